// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
schema.go - Database Schema Management

Tables:
  - sessions: ephemeral rows, one per continuous playback attempt. Keyed
    by a surrogate UUID; the external session_id is only unique among
    open rows, which media-change and resume transitions rely on.
  - history: durable, append-only watch records. UNIQUE(session_id,
    media_id) is the idempotency key for history writes.
  - users: per-user aggregate, keyed by (source, id).
  - settings: raw key/value pairs for history policy.
  - geolocations: IP geolocation cache.

All columns are defined in the initial CREATE TABLE statements; there are
no migrations to run on startup.
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"context"
	"fmt"
	"time"
)

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %s: %w", query, err)
		}
	}
	return nil
}

var tableCreationQueries = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		session_id TEXT NOT NULL,
		source TEXT NOT NULL,
		source_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		media_type TEXT NOT NULL,
		media_id TEXT NOT NULL,
		title TEXT NOT NULL,
		parent_title TEXT,
		grandparent_title TEXT,
		state TEXT NOT NULL,
		progress_percent DOUBLE NOT NULL DEFAULT 0,
		duration BIGINT NOT NULL DEFAULT 0,
		position BIGINT NOT NULL DEFAULT 0,
		playback_time BIGINT NOT NULL DEFAULT 0,
		paused_counter INTEGER NOT NULL DEFAULT 0,
		last_position_update TIMESTAMP,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		missing_since TIMESTAMP,
		ip_address TEXT,
		geo_country TEXT,
		geo_city TEXT,
		geo_region TEXT,
		geo_latitude DOUBLE,
		geo_longitude DOUBLE,
		geo_local BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS history (
		id UUID PRIMARY KEY,
		session_id TEXT NOT NULL,
		source TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		media_type TEXT NOT NULL,
		media_id TEXT NOT NULL,
		title TEXT NOT NULL,
		parent_title TEXT,
		grandparent_title TEXT,
		watched_at TIMESTAMP NOT NULL,
		duration BIGINT NOT NULL DEFAULT 0,
		percent_complete DOUBLE NOT NULL DEFAULT 0,
		stream_duration BIGINT NOT NULL DEFAULT 0,
		merged_ids TEXT,
		geo_country TEXT,
		geo_city TEXT,
		geo_region TEXT,
		geo_latitude DOUBLE,
		geo_longitude DOUBLE,
		geo_local BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (session_id, media_id)
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL,
		source TEXT NOT NULL,
		username TEXT NOT NULL,
		thumb TEXT,
		history_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		play_count BIGINT NOT NULL DEFAULT 0,
		total_duration BIGINT NOT NULL DEFAULT 0,
		last_seen TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (source, id)
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS geolocations (
		ip_address TEXT PRIMARY KEY,
		latitude DOUBLE NOT NULL DEFAULT 0,
		longitude DOUBLE NOT NULL DEFAULT 0,
		country TEXT NOT NULL,
		city TEXT,
		region TEXT,
		is_local BOOLEAN NOT NULL DEFAULT FALSE,
		last_updated TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_external ON sessions (source, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions (state)`,
	`CREATE INDEX IF NOT EXISTS idx_history_media_user ON history (media_id, user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_history_watched_at ON history (watched_at)`,
}
