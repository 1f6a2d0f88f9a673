// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

// UpsertUser refreshes the user aggregate as a side effect of a processed
// activity: display fields and last_seen are updated, counters and the
// history-enabled flag are preserved for existing rows.
func (db *DB) UpsertUser(ctx context.Context, source, id, username string, thumb *string, seenAt time.Time) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `INSERT INTO users (id, source, username, thumb, history_enabled, play_count, total_duration, last_seen, created_at)
		VALUES (?, ?, ?, ?, TRUE, 0, 0, ?, ?)
		ON CONFLICT (source, id) DO UPDATE SET
			username = EXCLUDED.username,
			thumb = COALESCE(EXCLUDED.thumb, users.thumb),
			last_seen = EXCLUDED.last_seen`

	var thumbVal any
	if thumb != nil && *thumb != "" {
		thumbVal = *thumb
	}

	if _, err := db.conn.ExecContext(ctx, query, id, source, username, thumbVal, seenAt, seenAt); err != nil {
		return fmt.Errorf("failed to upsert user %s/%s: %w", source, id, err)
	}
	return nil
}

// GetUser retrieves a user aggregate.
func (db *DB) GetUser(ctx context.Context, source, id string) (*models.User, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		u     models.User
		thumb sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, source, username, thumb, history_enabled, play_count, total_duration, last_seen, created_at
		 FROM users WHERE source = ? AND id = ?`, source, id).
		Scan(&u.ID, &u.Source, &u.Username, &thumb, &u.HistoryEnabled,
			&u.PlayCount, &u.TotalDuration, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s/%s: %w", source, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Thumb = fromNullString(thumb)
	return &u, nil
}

// SetUserHistoryEnabled flips the per-user history tracking flag.
func (db *DB) SetUserHistoryEnabled(ctx context.Context, source, id string, enabled bool) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET history_enabled = ? WHERE source = ? AND id = ?`, enabled, source, id)
	if err != nil {
		return fmt.Errorf("failed to set history flag for %s/%s: %w", source, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s/%s: %w", source, id, ErrNotFound)
	}
	return nil
}

// IncrementUserTotals bumps the running play count and watched duration
// after a successful history write.
func (db *DB) IncrementUserTotals(ctx context.Context, source, id string, duration int64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE users SET play_count = play_count + 1, total_duration = total_duration + ?
		 WHERE source = ? AND id = ?`, duration, source, id)
	if err != nil {
		return fmt.Errorf("failed to increment totals for %s/%s: %w", source, id, err)
	}
	return nil
}
