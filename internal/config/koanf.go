// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/chronicle/config.yaml",
	"/etc/chronicle/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CHRONICLE_CONFIG"

// envPrefix is stripped from environment variables before mapping them to
// config paths: CHRONICLE_PLEX_URL -> plex.url.
const envPrefix = "CHRONICLE_"

// defaultConfig returns a Config with all defaults applied. These are
// layered first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Plex: PlexConfig{
			Enabled:           false,
			Name:              "plex",
			RealtimeEnabled:   true,
			LivenessThreshold: 5 * time.Minute,
		},
		Jellyfin: JellyfinConfig{
			Enabled:         false,
			Name:            "jellyfin",
			RealtimeEnabled: true,
			GraceWindow:     60 * time.Second,
		},
		Emby: EmbyConfig{
			Enabled:         false,
			Name:            "emby",
			RealtimeEnabled: true,
			GraceWindow:     60 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:       15 * time.Second,
			AdapterTimeout: 10 * time.Second,
			PausedTimeout:  30 * time.Second,
			MergeInterval:  time.Hour,
		},
		GeoIP: GeoIPConfig{
			Enabled:   true,
			CacheSize: 1000,
			CacheTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path:      "/data/chronicle.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr: ":9090",
		},
	}
}

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. CHRONICLE_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envTransform maps an environment variable name to a koanf path. The
// first underscore separates the section from the key:
//
//	CHRONICLE_PLEX_URL             -> plex.url
//	CHRONICLE_MONITOR_PAUSED_TIMEOUT -> monitor.paused_timeout
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
