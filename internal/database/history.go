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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/models"
)

const historyColumns = `id, session_id, source, user_id, username,
	media_type, media_id, title, parent_title, grandparent_title,
	watched_at, duration, percent_complete, stream_duration, merged_ids,
	geo_country, geo_city, geo_region, geo_latitude, geo_longitude, geo_local`

// InsertHistory appends a history record. The UNIQUE(session_id, media_id)
// constraint is the idempotency key; a second write for the same pair
// returns ErrConflict.
func (db *DB) InsertHistory(ctx context.Context, h *models.History) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.WatchedAt.IsZero() {
		h.WatchedAt = time.Now()
	}

	geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal := flattenGeo(h.Geo)

	query := `INSERT INTO history (` + historyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		h.ID, h.SessionID, h.Source, h.UserID, h.Username,
		h.MediaType, h.MediaID, h.Title, h.ParentTitle, h.GrandparentTitle,
		h.WatchedAt, h.Duration, h.PercentComplete, h.StreamDuration, joinMergedIDs(h.MergedIDs),
		geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("history for session %s media %s: %w", h.SessionID, h.MediaID, ErrConflict)
		}
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// HistoryExists reports whether a history row already exists for the
// (originating session, media id) pair.
func (db *DB) HistoryExists(ctx context.Context, sessionID, mediaID string) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM history WHERE session_id = ? AND media_id = ? LIMIT 1`,
		sessionID, mediaID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check history existence: %w", err)
	}
	return true, nil
}

// ListDuplicateHistoryGroups returns groups of history rows sharing
// (media_id, user_id) with more than one member, each group ordered by
// watched_at descending so the first row is the keep candidate.
func (db *DB) ListDuplicateHistoryGroups(ctx context.Context) ([][]models.History, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + historyColumns + ` FROM history
		WHERE (media_id, user_id) IN (
			SELECT media_id, user_id FROM history
			GROUP BY media_id, user_id HAVING COUNT(*) > 1
		)
		ORDER BY media_id, user_id, watched_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate history: %w", err)
	}
	defer rows.Close()

	var (
		groups  [][]models.History
		current []models.History
	)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if len(current) > 0 &&
			(current[0].MediaID != h.MediaID || current[0].UserID != h.UserID) {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}

// MergeHistoryGroup applies a duplicate-group consolidation atomically:
// the kept row's stream_duration, percent_complete, and merged_ids are
// rewritten and the losing rows deleted, all or nothing.
func (db *DB) MergeHistoryGroup(ctx context.Context, keep *models.History, removeIDs []uuid.UUID) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE history SET stream_duration = ?, percent_complete = ?, merged_ids = ? WHERE id = ?`,
		keep.StreamDuration, keep.PercentComplete, joinMergedIDs(keep.MergedIDs), keep.ID)
	if err != nil {
		return fmt.Errorf("failed to update kept history row: %w", err)
	}

	for _, id := range removeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete merged history row %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge transaction: %w", err)
	}
	return nil
}

// ListHistory returns history rows for a user, newest first.
func (db *DB) ListHistory(ctx context.Context, source, userID string, limit int) ([]models.History, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM history
		 WHERE source = ? AND user_id = ? ORDER BY watched_at DESC LIMIT ?`,
		source, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []models.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return out, nil
}

func scanHistory(row scanTarget) (*models.History, error) {
	var (
		h           models.History
		parentTitle sql.NullString
		gpTitle     sql.NullString
		mergedIDs   sql.NullString
		geoCountry  sql.NullString
		geoCity     sql.NullString
		geoRegion   sql.NullString
		geoLat      sql.NullFloat64
		geoLon      sql.NullFloat64
		geoLocal    bool
	)

	err := row.Scan(
		&h.ID, &h.SessionID, &h.Source, &h.UserID, &h.Username,
		&h.MediaType, &h.MediaID, &h.Title, &parentTitle, &gpTitle,
		&h.WatchedAt, &h.Duration, &h.PercentComplete, &h.StreamDuration, &mergedIDs,
		&geoCountry, &geoCity, &geoRegion, &geoLat, &geoLon, &geoLocal,
	)
	if err != nil {
		return nil, err
	}

	h.ParentTitle = fromNullString(parentTitle)
	h.GrandparentTitle = fromNullString(gpTitle)
	h.MergedIDs = splitMergedIDs(mergedIDs)
	h.Geo = unflattenGeo("", geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal)
	return &h, nil
}

func joinMergedIDs(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return strings.Join(ids, ",")
}

func splitMergedIDs(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	parts := strings.Split(ns.String, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
