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

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/models"
)

const sessionColumns = `id, session_id, source, source_name, user_id, username,
	media_type, media_id, title, parent_title, grandparent_title,
	state, progress_percent, duration, position, playback_time, paused_counter,
	last_position_update, started_at, stopped_at, missing_since, ip_address,
	geo_country, geo_city, geo_region, geo_latitude, geo_longitude, geo_local`

// InsertSession inserts a new session row. The caller assigns the
// surrogate id; a zero id gets a fresh UUID. Returns ErrConflict on a
// primary key collision, which indicates a sequencing defect in the
// close-before-insert path.
func (db *DB) InsertSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}

	geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal := flattenGeo(s.Geo)

	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		s.ID, s.SessionID, s.Source, s.SourceName, s.UserID, s.Username,
		s.MediaType, s.MediaID, s.Title, s.ParentTitle, s.GrandparentTitle,
		string(s.State), s.ProgressPercent, s.Duration, s.Position, s.PlaybackTime, s.PausedCounter,
		nullTime(s.LastPositionUpdate), s.StartedAt, s.StoppedAt, s.MissingSince, nullString(s.IPAddress),
		geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("insert session %s: %w", s.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession rewrites the mutable fields of an existing session row.
func (db *DB) UpdateSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal := flattenGeo(s.Geo)

	query := `UPDATE sessions SET
		state = ?, progress_percent = ?, duration = ?, position = ?,
		playback_time = ?, paused_counter = ?, last_position_update = ?,
		stopped_at = ?, missing_since = ?, ip_address = ?,
		geo_country = ?, geo_city = ?, geo_region = ?,
		geo_latitude = ?, geo_longitude = ?, geo_local = ?
		WHERE id = ?`

	res, err := db.conn.ExecContext(ctx, query,
		string(s.State), s.ProgressPercent, s.Duration, s.Position,
		s.PlaybackTime, s.PausedCounter, nullTime(s.LastPositionUpdate),
		s.StoppedAt, s.MissingSince, nullString(s.IPAddress),
		geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// GetOpenSessionByExternalID looks up the open session row for an
// external identifier on one source. Stopped rows are invisible here:
// they are retained for inspection but a reported session with no open
// row always starts fresh, and stop echoes find nothing to close. The
// external identifier is unique among open rows at any instant.
func (db *DB) GetOpenSessionByExternalID(ctx context.Context, source, sessionID string) (*models.Session, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE source = ? AND session_id = ? AND state != 'stopped'
		ORDER BY started_at DESC
		LIMIT 1`

	row := db.conn.QueryRowContext(ctx, query, source, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s/%s: %w", source, sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session row by surrogate id.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListOpenSessions returns all sessions in an open state, oldest first.
func (db *DB) ListOpenSessions(ctx context.Context) ([]models.Session, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state != 'stopped' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session row. The engine never deletes rows
// itself; stopped rows persist as a record of finished playback attempts
// and this exists for external pruning.
func (db *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// scanTarget abstracts *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...any) error
}

func scanSession(row scanTarget) (*models.Session, error) {
	var (
		s           models.Session
		state       string
		lastUpdate  sql.NullTime
		stoppedAt   sql.NullTime
		missing     sql.NullTime
		ipAddress   sql.NullString
		parentTitle sql.NullString
		gpTitle     sql.NullString
		geoCountry  sql.NullString
		geoCity     sql.NullString
		geoRegion   sql.NullString
		geoLat      sql.NullFloat64
		geoLon      sql.NullFloat64
		geoLocal    bool
	)

	err := row.Scan(
		&s.ID, &s.SessionID, &s.Source, &s.SourceName, &s.UserID, &s.Username,
		&s.MediaType, &s.MediaID, &s.Title, &parentTitle, &gpTitle,
		&state, &s.ProgressPercent, &s.Duration, &s.Position, &s.PlaybackTime, &s.PausedCounter,
		&lastUpdate, &s.StartedAt, &stoppedAt, &missing, &ipAddress,
		&geoCountry, &geoCity, &geoRegion, &geoLat, &geoLon, &geoLocal,
	)
	if err != nil {
		return nil, err
	}

	s.State = models.SessionState(state)
	s.ParentTitle = fromNullString(parentTitle)
	s.GrandparentTitle = fromNullString(gpTitle)
	if lastUpdate.Valid {
		s.LastPositionUpdate = lastUpdate.Time
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	if missing.Valid {
		t := missing.Time
		s.MissingSince = &t
	}
	if ipAddress.Valid {
		s.IPAddress = ipAddress.String
	}
	s.Geo = unflattenGeo(s.IPAddress, geoCountry, geoCity, geoRegion, geoLat, geoLon, geoLocal)

	return &s, nil
}
