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
)

// Settings keys consumed by the history policy. Values are raw strings;
// parsing with fallback to defaults happens at the policy layer and never
// fails.
const (
	SettingHistoryMinDuration = "history_min_duration"
	SettingHistoryMinPercent  = "history_min_percent"
	SettingHistoryExcludes    = "history_exclude_patterns"
	SettingHistoryGrouping    = "history_grouping"
)

// GetSetting returns the raw value for a key, or ErrNotFound.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a raw setting value.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}
