// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/database"
	"github.com/chronicle-media/chronicle/internal/models"
)

func closedSession(sessionID, mediaID string, playbackTime int64, percent float64) *models.Session {
	stopped := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	started := stopped.Add(-2 * time.Hour)
	return &models.Session{
		ID:              uuid.New(),
		StartedAt:       started,
		SessionID:       sessionID,
		Source:          "jellyfin",
		SourceName:      "jellyfin",
		UserID:          "u1",
		Username:        "alice",
		MediaType:       "movie",
		MediaID:         mediaID,
		Title:           "The Long Haul",
		State:           models.StateStopped,
		ProgressPercent: percent,
		Duration:        7200,
		PlaybackTime:    playbackTime,
		StoppedAt:       &stopped,
	}
}

func TestHistoryMinimumDurationThreshold(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	// One second under the 30s default: no record.
	m.evaluateHistory(ctx, closedSession("jf-1", "m1", 29, 50))
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("29s playback must not record, got %d rows", len(rows))
	}

	// One second over: recorded.
	m.evaluateHistory(ctx, closedSession("jf-2", "m1", 31, 50))
	if rows := store.historyRows(); len(rows) != 1 {
		t.Fatalf("31s playback must record, got %d rows", len(rows))
	}
}

func TestHistoryMinimumPercentThreshold(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	m.evaluateHistory(ctx, closedSession("jf-1", "m1", 600, 9.9))
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("9.9%% complete must not record, got %d rows", len(rows))
	}

	m.evaluateHistory(ctx, closedSession("jf-2", "m1", 600, 10.1))
	if rows := store.historyRows(); len(rows) != 1 {
		t.Fatalf("10.1%% complete must record, got %d rows", len(rows))
	}
}

func TestHistoryContinuousAudioExemptFromPercent(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	sess := closedSession("jf-1", "b1", 1800, 2.0)
	sess.MediaType = "audiobook"
	sess.Title = "War and Peace"
	sess.Duration = 90000

	m.evaluateHistory(ctx, sess)
	if rows := store.historyRows(); len(rows) != 1 {
		t.Fatalf("audiobook at 2%% must still record, got %d rows", len(rows))
	}
}

func TestHistoryExclusionPatternsCaseInsensitive(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	for i, title := range []string{"Main Theme", "PREVIEW: Next Week", "Official Trailer #2"} {
		sess := closedSession("jf-"+string(rune('a'+i)), "m1", 600, 50)
		sess.Title = title
		m.evaluateHistory(ctx, sess)
	}
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("excluded titles must not record, got %d rows", len(rows))
	}

	sess := closedSession("jf-x", "m1", 600, 50)
	sess.Title = "Theatrical Cut"
	m.evaluateHistory(ctx, sess)
	if rows := store.historyRows(); len(rows) != 1 {
		t.Fatalf("non-matching title must record, got %d rows", len(rows))
	}
}

func TestHistoryIdempotentPerSessionAndMedia(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, "jellyfin", "u1", "alice", nil, time.Now()); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	sess := closedSession("jf-1", "m1", 600, 50)
	m.evaluateHistory(ctx, sess)
	m.evaluateHistory(ctx, sess)

	if rows := store.historyRows(); len(rows) != 1 {
		t.Fatalf("re-evaluation must be a no-op, got %d rows", len(rows))
	}

	user, err := store.GetUser(ctx, "jellyfin", "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.PlayCount != 1 {
		t.Errorf("play_count = %d, want 1 (duplicate must not count)", user.PlayCount)
	}
}

func TestHistoryStreamDurationCappedAtMediaDuration(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	// A looped movie accrues more wall clock than the media runs.
	sess := closedSession("jf-1", "m1", 10000, 100)
	sess.Duration = 7200
	m.evaluateHistory(ctx, sess)

	rows := store.historyRows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].StreamDuration != 7200 {
		t.Errorf("stream_duration = %d, want capped 7200", rows[0].StreamDuration)
	}
}

func TestHistoryMinimumDurationUsesCappedPlayback(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	// A 20s clip looped for a minute caps to 20s of credited playback,
	// which is under the 30s minimum: no record, despite 60s accrued.
	sess := closedSession("jf-1", "m1", 60, 100)
	sess.Duration = 20
	m.evaluateHistory(ctx, sess)
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("capped 20s playback must not record, got %d rows", len(rows))
	}

	// Accrual beyond the session's wall-clock span is likewise discounted
	// before thresholding.
	sess = closedSession("jf-2", "m2", 300, 100)
	started := sess.StoppedAt.Add(-25 * time.Second)
	sess.StartedAt = started
	m.evaluateHistory(ctx, sess)
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("25s-long session must not record regardless of accrual, got %d rows", len(rows))
	}
}

func TestHistoryRespectsUserOptOut(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, "jellyfin", "u1", "alice", nil, time.Now()); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	store.mu.Lock()
	store.users[userKey("jellyfin", "u1")].HistoryEnabled = false
	store.mu.Unlock()

	m.evaluateHistory(ctx, closedSession("jf-1", "m1", 600, 50))
	if rows := store.historyRows(); len(rows) != 0 {
		t.Fatalf("opted-out user must not record, got %d rows", len(rows))
	}
}

func TestPolicySettingsOverrideDefaults(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	store.settings[database.SettingHistoryMinDuration] = "120"
	store.settings[database.SettingHistoryMinPercent] = "50"
	store.settings[database.SettingHistoryExcludes] = "recap"

	p := m.loadPolicy(ctx)
	if p.minDuration != 120 || p.minPercent != 50 {
		t.Errorf("policy = (%d, %v), want (120, 50)", p.minDuration, p.minPercent)
	}
	if !p.excluded("Season Recap") {
		t.Error("custom exclusion pattern not applied")
	}
	if p.excluded("Main Theme") {
		t.Error("default patterns must be replaced, not merged")
	}
}

func TestPolicyMalformedSettingFallsBack(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMonitor(t)
	ctx := context.Background()

	store.settings[database.SettingHistoryMinDuration] = "not-a-number"
	store.settings[database.SettingHistoryMinPercent] = "-5x"

	p := m.loadPolicy(ctx)
	if p.minDuration != defaultMinDuration {
		t.Errorf("min duration = %d, want default %d", p.minDuration, int64(defaultMinDuration))
	}
	if p.minPercent != defaultMinPercent {
		t.Errorf("min percent = %v, want default %v", p.minPercent, defaultMinPercent)
	}
}
