// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
reconciler.go - Activity / Session Reconciliation

Each polled activity is matched against the open session row carrying
the same external identifier. No row and an open state opens one; a
matching row absorbs an update; a media change or stop closes the row
(with history evaluation) and, for media changes, opens a fresh one.

playback_time accrues wall-clock seconds only across intervals whose
previous observed state was playing. last_position_update is refreshed
only while playing, so for a paused session it marks the moment playback
last ran.
*/

package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/database"
	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
	"github.com/chronicle-media/chronicle/internal/models"
)

// processActivity reconciles one normalized activity against durable
// session state.
func (m *Monitor) processActivity(ctx context.Context, a *models.Activity) error {
	sess, err := m.store.GetOpenSessionByExternalID(ctx, a.Source, a.SessionID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if !a.State.IsOpen() {
			// Stop echo for a session already closed (or never opened):
			// nothing to do.
			return nil
		}
		// New session, or a resume after close. A resumed session always
		// starts a fresh row with zero accumulated playback.
		return m.openSession(ctx, a)
	case err != nil:
		return fmt.Errorf("session lookup failed: %w", err)
	}

	if a.MediaID != sess.MediaID {
		// Same external session moved to new media: close the old row
		// and open a new one so each item gets its own history shot.
		if err := m.closeSession(ctx, sess, "media_change"); err != nil {
			return err
		}
		if !a.State.IsOpen() {
			return nil
		}
		return m.openSession(ctx, a)
	}

	if !a.State.IsOpen() {
		return m.closeSession(ctx, sess, "stopped")
	}

	return m.updateSession(ctx, sess, a)
}

// openSession creates a session row from an activity and records the
// user sighting.
func (m *Monitor) openSession(ctx context.Context, a *models.Activity) error {
	now := m.now()

	if err := m.store.UpsertUser(ctx, a.Source, a.UserID, a.Username, a.UserThumb, now); err != nil {
		logging.Warn().Str("source", a.Source).Str("user_id", a.UserID).Err(err).Msg("User upsert failed")
	}

	sess := &models.Session{
		ID:                 uuid.New(),
		SessionID:          a.SessionID,
		Source:             a.Source,
		SourceName:         a.SourceName,
		UserID:             a.UserID,
		Username:           a.Username,
		MediaType:          a.MediaType,
		MediaID:            a.MediaID,
		Title:              a.Title,
		ParentTitle:        a.ParentTitle,
		GrandparentTitle:   a.GrandparentTitle,
		State:              a.State,
		ProgressPercent:    a.ProgressPercent,
		Duration:           a.Duration,
		Position:           a.Position,
		LastPositionUpdate: now,
		StartedAt:          now,
		IPAddress:          a.IPAddress,
	}

	if m.geo != nil && a.IPAddress != "" {
		sess.Geo = m.geo.Resolve(ctx, a.IPAddress)
	}

	if err := m.store.InsertSession(ctx, sess); err != nil {
		if errors.Is(err, database.ErrConflict) {
			// Another open row with this external id appeared between the
			// lookup and the insert; the next cycle reconciles it.
			logging.Warn().Str("source", a.Source).Str("session_id", a.SessionID).Msg("Concurrent session insert, skipping")
			return nil
		}
		return fmt.Errorf("session insert failed: %w", err)
	}

	logging.Info().
		Str("source", a.Source).
		Str("session_id", a.SessionID).
		Str("user", a.Username).
		Str("title", a.Title).
		Str("state", string(a.State)).
		Msg("Session started")
	return nil
}

// updateSession applies an in-place update, accruing playback time for
// the elapsed interval.
func (m *Monitor) updateSession(ctx context.Context, sess *models.Session, a *models.Activity) error {
	now := m.now()
	prevState := sess.State

	m.accruePlayback(sess, now)

	if prevState == models.StatePlaying && a.State == models.StatePaused {
		sess.PausedCounter++
	}
	if a.State == models.StatePlaying {
		sess.LastPositionUpdate = now
	}

	sess.State = a.State
	sess.Position = a.Position
	sess.ProgressPercent = a.ProgressPercent
	if a.Duration > 0 {
		sess.Duration = a.Duration
	}
	sess.MissingSince = nil

	if sess.IPAddress != a.IPAddress && a.IPAddress != "" {
		sess.IPAddress = a.IPAddress
		if m.geo != nil {
			sess.Geo = m.geo.Resolve(ctx, a.IPAddress)
		}
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("session update failed: %w", err)
	}

	if err := m.store.UpsertUser(ctx, a.Source, a.UserID, a.Username, a.UserThumb, now); err != nil {
		logging.Warn().Str("source", a.Source).Str("user_id", a.UserID).Err(err).Msg("User upsert failed")
	}
	return nil
}

// closeSession finalizes a row: accrues the last playing interval, marks
// it stopped, and hands it to history evaluation.
func (m *Monitor) closeSession(ctx context.Context, sess *models.Session, reason string) error {
	now := m.now()
	m.accruePlayback(sess, now)

	sess.State = models.StateStopped
	sess.StoppedAt = &now

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("session close failed: %w", err)
	}
	metrics.SessionsClosed.WithLabelValues(reason).Inc()

	logging.Info().
		Str("source", sess.Source).
		Str("session_id", sess.SessionID).
		Str("user", sess.Username).
		Str("title", sess.Title).
		Str("reason", reason).
		Int64("playback_time", sess.PlaybackTime).
		Msg("Session closed")

	m.evaluateHistory(ctx, sess)
	return nil
}

// accruePlayback adds the interval since the last position update to
// playback_time when the previously observed state was playing. Paused
// and buffering intervals contribute nothing.
func (m *Monitor) accruePlayback(sess *models.Session, now time.Time) {
	if sess.State != models.StatePlaying {
		return
	}
	if delta := now.Sub(sess.LastPositionUpdate); delta > 0 {
		sess.PlaybackTime += int64(delta.Seconds())
	}
}
