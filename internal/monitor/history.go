// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
history.go - Watch History Derivation

Every session close is evaluated against the recording policy. The
policy lives in the settings store so it can change at runtime; a
missing or unparseable setting falls back to its default, never to an
error.

Writes are idempotent on (session_id, media_id): re-evaluating a session
that already produced a row is a no-op, so crash-replays and duplicate
close paths cannot double-record.
*/

package monitor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/database"
	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
	"github.com/chronicle-media/chronicle/internal/models"
)

// Policy defaults applied when a setting is absent or malformed.
const (
	defaultMinDuration = 30   // seconds of actual playback
	defaultMinPercent  = 10.0 // percent complete
	defaultExcludes    = "theme,preview,trailer"
)

// historyPolicy is the resolved recording policy for one evaluation.
type historyPolicy struct {
	minDuration int64
	minPercent  float64
	excludes    []string
}

// loadPolicy reads the recording policy from settings, falling back
// per-key to defaults.
func (m *Monitor) loadPolicy(ctx context.Context) historyPolicy {
	p := historyPolicy{
		minDuration: defaultMinDuration,
		minPercent:  defaultMinPercent,
		excludes:    splitPatterns(defaultExcludes),
	}

	if v, err := m.store.GetSetting(ctx, database.SettingHistoryMinDuration); err == nil {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n >= 0 {
			p.minDuration = n
		}
	}
	if v, err := m.store.GetSetting(ctx, database.SettingHistoryMinPercent); err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil && f >= 0 {
			p.minPercent = f
		}
	}
	if v, err := m.store.GetSetting(ctx, database.SettingHistoryExcludes); err == nil {
		p.excludes = splitPatterns(v)
	}
	return p
}

func splitPatterns(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// excluded reports whether any exclusion pattern is a case-insensitive
// substring of the title.
func (p historyPolicy) excluded(title string) bool {
	lower := strings.ToLower(title)
	for _, pat := range p.excludes {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// evaluateHistory decides whether a closed session becomes a history
// row. Evaluation never propagates an error to the caller: a failed
// write is logged and the close stands.
func (m *Monitor) evaluateHistory(ctx context.Context, sess *models.Session) {
	policy := m.loadPolicy(ctx)

	if user, err := m.store.GetUser(ctx, sess.Source, sess.UserID); err == nil && user != nil && !user.HistoryEnabled {
		metrics.HistoryWrites.WithLabelValues("policy").Inc()
		logging.Debug().
			Str("user", sess.Username).
			Str("title", sess.Title).
			Msg("History disabled for user, skipping")
		return
	}

	watchedAt := m.now()
	if sess.StoppedAt != nil {
		watchedAt = *sess.StoppedAt
	}

	// Sanity-cap the accrued playback before thresholding: a source that
	// misreports positions can accrue more than the media runs or the
	// session lasted, and the capped value is what the policy judges.
	streamDuration := sess.PlaybackTime
	if sess.Duration > 0 && streamDuration > sess.Duration {
		streamDuration = sess.Duration
	}
	if elapsed := int64(watchedAt.Sub(sess.StartedAt).Seconds()); elapsed >= 0 && streamDuration > elapsed {
		streamDuration = elapsed
	}

	if streamDuration < policy.minDuration {
		metrics.HistoryWrites.WithLabelValues("policy").Inc()
		logging.Debug().
			Str("title", sess.Title).
			Int64("stream_duration", streamDuration).
			Int64("min_duration", policy.minDuration).
			Msg("Below minimum playback time, skipping history")
		return
	}

	if policy.excluded(sess.Title) {
		metrics.HistoryWrites.WithLabelValues("policy").Inc()
		logging.Debug().Str("title", sess.Title).Msg("Title matches exclusion pattern, skipping history")
		return
	}

	// Long-form audio is consumed across many short sessions, so the
	// percent threshold does not apply to it.
	if sess.ProgressPercent < policy.minPercent && !models.IsContinuousAudio(sess.MediaType) {
		metrics.HistoryWrites.WithLabelValues("policy").Inc()
		logging.Debug().
			Str("title", sess.Title).
			Float64("percent", sess.ProgressPercent).
			Float64("min_percent", policy.minPercent).
			Msg("Below minimum percent complete, skipping history")
		return
	}

	h := &models.History{
		ID:               uuid.New(),
		SessionID:        sess.SessionID,
		Source:           sess.Source,
		UserID:           sess.UserID,
		Username:         sess.Username,
		MediaType:        sess.MediaType,
		MediaID:          sess.MediaID,
		Title:            sess.Title,
		ParentTitle:      sess.ParentTitle,
		GrandparentTitle: sess.GrandparentTitle,
		WatchedAt:        watchedAt,
		Duration:         sess.Duration,
		PercentComplete:  sess.ProgressPercent,
		StreamDuration:   streamDuration,
		Geo:              sess.Geo,
	}

	if err := m.store.InsertHistory(ctx, h); err != nil {
		if errors.Is(err, database.ErrConflict) {
			metrics.HistoryWrites.WithLabelValues("duplicate").Inc()
			return
		}
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		logging.Error().
			Str("source", sess.Source).
			Str("session_id", sess.SessionID).
			Err(err).
			Msg("History write failed")
		return
	}
	metrics.HistoryWrites.WithLabelValues("written").Inc()

	if err := m.store.IncrementUserTotals(ctx, sess.Source, sess.UserID, streamDuration); err != nil {
		logging.Warn().Str("user_id", sess.UserID).Err(err).Msg("Failed to update user totals")
	}

	logging.Info().
		Str("source", sess.Source).
		Str("user", sess.Username).
		Str("title", sess.Title).
		Float64("percent", sess.ProgressPercent).
		Int64("stream_duration", streamDuration).
		Msg("History recorded")
}
