// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package config defines Chronicle's configuration structures and the
// layered loading logic (defaults, optional YAML file, environment
// variables).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root application configuration.
type Config struct {
	Plex     PlexConfig     `koanf:"plex"`
	Jellyfin JellyfinConfig `koanf:"jellyfin"`
	Emby     EmbyConfig     `koanf:"emby"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	GeoIP    GeoIPConfig    `koanf:"geoip"`
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
	Server   ServerConfig   `koanf:"server"`
}

// ServerConfig configures the observability endpoint (metrics, health,
// live session websocket).
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// PlexConfig configures the Plex adapter.
//
// Plex has no reliable discrete stop events over its notification socket,
// so the adapter runs the position/event liveness heuristic and the stale
// sweep leaves its sessions alone (SelfLiveness).
type PlexConfig struct {
	Enabled bool   `koanf:"enabled"`
	Name    string `koanf:"name"` // Instance name, defaults to "plex"
	URL     string `koanf:"url" validate:"omitempty,url"`
	Token   string `koanf:"token"`

	// RealtimeEnabled subscribes to the Plex notification websocket; events
	// only nudge the monitor to re-poll early.
	RealtimeEnabled bool `koanf:"realtime_enabled"`

	// LivenessThreshold demotes a session to inactive when neither its
	// position advanced nor a push event arrived within this window.
	LivenessThreshold time.Duration `koanf:"liveness_threshold" validate:"min=0"`
}

// JellyfinConfig configures the Jellyfin adapter.
type JellyfinConfig struct {
	Enabled bool   `koanf:"enabled"`
	Name    string `koanf:"name"`
	URL     string `koanf:"url" validate:"omitempty,url"`
	APIKey  string `koanf:"api_key"`

	RealtimeEnabled bool `koanf:"realtime_enabled"`

	// GraceWindow keeps a session open (flagged temporarily missing) when
	// it disappears from a poll, tolerating transient API failures.
	GraceWindow time.Duration `koanf:"grace_window" validate:"min=0"`
}

// EmbyConfig configures the Emby adapter.
type EmbyConfig struct {
	Enabled bool   `koanf:"enabled"`
	Name    string `koanf:"name"`
	URL     string `koanf:"url" validate:"omitempty,url"`
	APIKey  string `koanf:"api_key"`

	RealtimeEnabled bool `koanf:"realtime_enabled"`

	GraceWindow time.Duration `koanf:"grace_window" validate:"min=0"`
}

// MonitorConfig configures the reconciliation loop and its maintenance
// jobs.
type MonitorConfig struct {
	// Interval between reconciliation cycles. Push events can wake the
	// loop earlier; wake-ups coalesce into a single extra pass.
	Interval time.Duration `koanf:"interval" validate:"min=1s"`

	// AdapterTimeout bounds each adapter's GetActiveStreams call per cycle.
	AdapterTimeout time.Duration `koanf:"adapter_timeout" validate:"min=1s"`

	// PausedTimeout force-closes sessions paused longer than this.
	PausedTimeout time.Duration `koanf:"paused_timeout" validate:"min=1s"`

	// MergeInterval schedules the duplicate history merge maintainer.
	MergeInterval time.Duration `koanf:"merge_interval" validate:"min=1m"`
}

// GeoIPConfig configures IP geolocation resolution.
type GeoIPConfig struct {
	Enabled   bool          `koanf:"enabled"`
	CacheSize int           `koanf:"cache_size" validate:"min=1"`
	CacheTTL  time.Duration `koanf:"cache_ttl" validate:"min=1m"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// LoggingConfig configures the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for structural errors. Policy-level
// settings (history thresholds) live in the settings store and are never
// validated here; they fall back to defaults at read time.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Plex.Enabled && (c.Plex.URL == "" || c.Plex.Token == "") {
		return fmt.Errorf("plex enabled but url or token missing")
	}
	if c.Jellyfin.Enabled && (c.Jellyfin.URL == "" || c.Jellyfin.APIKey == "") {
		return fmt.Errorf("jellyfin enabled but url or api_key missing")
	}
	if c.Emby.Enabled && (c.Emby.URL == "" || c.Emby.APIKey == "") {
		return fmt.Errorf("emby enabled but url or api_key missing")
	}

	return nil
}
