// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package main is the entry point for the Chronicle server.
//
// Chronicle polls Plex, Jellyfin, and Emby for active playback, keeps a
// durable session record for every playback attempt, and derives watch
// history when sessions end.
//
// # Startup Order
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML file,
//     CHRONICLE_* environment variables)
//  2. Logging: zerolog, JSON or console format
//  3. Database: DuckDB session, history, user, and settings store
//  4. Sources: one adapter per enabled server, each wrapped in a
//     circuit breaker
//  5. Supervisor tree: the reconciliation monitor and the observability
//     HTTP endpoint run under suture with restart backoff
//
// # Configuration
//
// Enable a source by setting its credentials:
//
//	export CHRONICLE_PLEX_ENABLED=true
//	export CHRONICLE_PLEX_URL=http://localhost:32400
//	export CHRONICLE_PLEX_TOKEN=your-plex-token
//	./chronicle
//
//	export CHRONICLE_JELLYFIN_ENABLED=true
//	export CHRONICLE_JELLYFIN_URL=http://localhost:8096
//	export CHRONICLE_JELLYFIN_API_KEY=your-api-key
//	./chronicle
//
// # Signal Handling
//
// SIGINT and SIGTERM shut down gracefully: the monitor finishes its
// current cycle, push feeds unsubscribe, and the database closes.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/chronicle-media/chronicle/internal/config"
	"github.com/chronicle-media/chronicle/internal/database"
	"github.com/chronicle-media/chronicle/internal/geoip"
	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/monitor"
	"github.com/chronicle-media/chronicle/internal/source"
	"github.com/chronicle-media/chronicle/internal/supervisor"
	"github.com/chronicle-media/chronicle/internal/supervisor/services"
	ws "github.com/chronicle-media/chronicle/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("plex", cfg.Plex.Enabled).
		Bool("jellyfin", cfg.Jellyfin.Enabled).
		Bool("emby", cfg.Emby.Enabled).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Chronicle")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	registry, pushSources := buildSources(cfg)
	if registry.Len() == 0 {
		logging.Fatal().Msg("No sources enabled; set CHRONICLE_PLEX_ENABLED, CHRONICLE_JELLYFIN_ENABLED, or CHRONICLE_EMBY_ENABLED")
	}

	var geo monitor.GeoResolver
	if cfg.GeoIP.Enabled {
		geo = geoip.NewService(db, geoip.NewIPAPIProvider(), cfg.GeoIP.CacheSize, cfg.GeoIP.CacheTTL)
	}

	hub := ws.NewHub()

	mon := monitor.New(db, registry, geo, hub, pushSources, monitor.Options{
		Interval:       cfg.Monitor.Interval,
		AdapterTimeout: cfg.Monitor.AdapterTimeout,
		PausedTimeout:  cfg.Monitor.PausedTimeout,
		MergeInterval:  cfg.Monitor.MergeInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddEngineService(mon)
	tree.AddTransportService(services.NewHTTPService(cfg.Server.Addr, hub))

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree exited")
		}
	}

	logging.Info().Msg("Chronicle stopped")
}

// buildSources creates an adapter per enabled server. Every adapter is
// wrapped in a circuit breaker; the returned push list holds the
// realtime-enabled ones, unwrapped so their feeds attach directly.
func buildSources(cfg *config.Config) (*source.Registry, []source.PushSource) {
	registry := source.NewRegistry()
	var push []source.PushSource

	if cfg.Plex.Enabled {
		plex := source.NewPlexSource(cfg.Plex.Name, cfg.Plex.URL, cfg.Plex.Token, cfg.Plex.LivenessThreshold)
		registry.Register(source.NewBreakerSource(plex), source.Options{
			SelfLiveness: true,
		})
		if cfg.Plex.RealtimeEnabled {
			push = append(push, plex)
		}
	}

	if cfg.Jellyfin.Enabled {
		jf := source.NewJellyfinSource(cfg.Jellyfin.Name, cfg.Jellyfin.URL, cfg.Jellyfin.APIKey)
		registry.Register(source.NewBreakerSource(jf), source.Options{
			GraceWindow: cfg.Jellyfin.GraceWindow,
		})
		if cfg.Jellyfin.RealtimeEnabled {
			push = append(push, jf)
		}
	}

	if cfg.Emby.Enabled {
		emby := source.NewEmbySource(cfg.Emby.Name, cfg.Emby.URL, cfg.Emby.APIKey)
		registry.Register(source.NewBreakerSource(emby), source.Options{
			GraceWindow: cfg.Emby.GraceWindow,
		})
	}

	return registry, push
}
