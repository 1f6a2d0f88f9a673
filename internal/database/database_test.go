// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/models"
)

// testDBSemaphore serializes DuckDB usage across tests. Concurrent CGO
// calls from parallel tests can hang under CI resource pressure, so only
// one test holds an open connection at a time.
var testDBSemaphore = make(chan struct{}, 1)

// setupTestDB opens an in-memory database and holds the semaphore for the
// entire test lifecycle, released via t.Cleanup.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() {
		<-testDBSemaphore
	})

	db, err := NewMemory()
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return db
}

func testSession(external, mediaID string) *models.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Session{
		ID:                 uuid.New(),
		SessionID:          external,
		Source:             "jellyfin",
		SourceName:         "living-room",
		UserID:             "u1",
		Username:           "alice",
		MediaType:          "movie",
		MediaID:            mediaID,
		Title:              "The Long Voyage",
		State:              models.StatePlaying,
		ProgressPercent:    25,
		Duration:           7200,
		Position:           1800,
		LastPositionUpdate: now,
		StartedAt:          now,
		IPAddress:          "203.0.113.10",
	}
}

func testHistory(sessionID, mediaID, userID string, watchedAt time.Time) *models.History {
	return &models.History{
		ID:              uuid.New(),
		SessionID:       sessionID,
		Source:          "jellyfin",
		UserID:          userID,
		Username:        "alice",
		MediaType:       "movie",
		MediaID:         mediaID,
		Title:           "The Long Voyage",
		WatchedAt:       watchedAt,
		Duration:        7200,
		PercentComplete: 50,
		StreamDuration:  3600,
	}
}

func TestSessionInsertAndGetByExternalID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	parent := "Season 2"
	s := testSession("jf-1", "m1")
	s.MediaType = "episode"
	s.ParentTitle = &parent
	s.Geo = &models.Geolocation{
		IPAddress: s.IPAddress,
		Latitude:  51.5,
		Longitude: -0.12,
		Country:   "United Kingdom",
	}

	if err := db.InsertSession(ctx, s); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	got, err := db.GetOpenSessionByExternalID(ctx, "jellyfin", "jf-1")
	if err != nil {
		t.Fatalf("GetOpenSessionByExternalID failed: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("expected id %s, got %s", s.ID, got.ID)
	}
	if got.State != models.StatePlaying {
		t.Errorf("expected state playing, got %s", got.State)
	}
	if got.ParentTitle == nil || *got.ParentTitle != "Season 2" {
		t.Errorf("parent title not round-tripped: %v", got.ParentTitle)
	}
	if got.Geo == nil || got.Geo.Country != "United Kingdom" {
		t.Errorf("geolocation not round-tripped: %+v", got.Geo)
	}
	if !got.LastPositionUpdate.Equal(s.LastPositionUpdate) {
		t.Errorf("expected last_position_update %v, got %v", s.LastPositionUpdate, got.LastPositionUpdate)
	}
}

func TestSessionGetByExternalIDIgnoresStoppedRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stopped := testSession("jf-1", "m1")
	stopped.State = models.StateStopped
	now := time.Now().UTC()
	stopped.StoppedAt = &now
	if err := db.InsertSession(ctx, stopped); err != nil {
		t.Fatalf("InsertSession (stopped) failed: %v", err)
	}

	// A stopped row alone is invisible to the lookup.
	if _, err := db.GetOpenSessionByExternalID(ctx, "jellyfin", "jf-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with only a stopped row, got %v", err)
	}

	open := testSession("jf-1", "m2")
	if err := db.InsertSession(ctx, open); err != nil {
		t.Fatalf("InsertSession (open) failed: %v", err)
	}

	got, err := db.GetOpenSessionByExternalID(ctx, "jellyfin", "jf-1")
	if err != nil {
		t.Fatalf("GetOpenSessionByExternalID failed: %v", err)
	}
	if got.ID != open.ID {
		t.Errorf("expected the open row, got state %s id %s", got.State, got.ID)
	}
}

func TestSessionGetByExternalIDNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetOpenSessionByExternalID(context.Background(), "jellyfin", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionInsertDuplicateIDConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := testSession("jf-1", "m1")
	if err := db.InsertSession(ctx, s); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	dup := testSession("jf-2", "m2")
	dup.ID = s.ID
	if err := db.InsertSession(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate primary key, got %v", err)
	}
}

func TestSessionUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := testSession("jf-1", "m1")
	if err := db.InsertSession(ctx, s); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	s.State = models.StatePaused
	s.Position = 2400
	s.PlaybackTime = 600
	s.PausedCounter = 1
	missing := time.Now().UTC().Truncate(time.Second)
	s.MissingSince = &missing
	if err := db.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != models.StatePaused {
		t.Errorf("expected paused, got %s", got.State)
	}
	if got.Position != 2400 || got.PlaybackTime != 600 || got.PausedCounter != 1 {
		t.Errorf("mutable fields not persisted: %+v", got)
	}
	if got.MissingSince == nil || !got.MissingSince.Equal(missing) {
		t.Errorf("missing_since not persisted: %v", got.MissingSince)
	}
}

func TestSessionUpdateUnknownRowNotFound(t *testing.T) {
	db := setupTestDB(t)

	s := testSession("jf-1", "m1")
	if err := db.UpdateSession(context.Background(), s); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOpenSessionsExcludesStopped(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	older := testSession("jf-1", "m1")
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	newer := testSession("jf-2", "m2")
	stopped := testSession("jf-3", "m3")
	stopped.State = models.StateStopped
	now := time.Now().UTC()
	stopped.StoppedAt = &now

	for _, s := range []*models.Session{newer, older, stopped} {
		if err := db.InsertSession(ctx, s); err != nil {
			t.Fatalf("InsertSession failed: %v", err)
		}
	}

	open, err := db.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open sessions, got %d", len(open))
	}
	if open[0].ID != older.ID || open[1].ID != newer.ID {
		t.Errorf("expected oldest-first ordering, got %s then %s", open[0].SessionID, open[1].SessionID)
	}
}

func TestSessionDelete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := testSession("jf-1", "m1")
	if err := db.InsertSession(ctx, s); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	if err := db.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := db.GetSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestHistoryInsertIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	h := testHistory("jf-1", "m1", "u1", base)
	if err := db.InsertHistory(ctx, h); err != nil {
		t.Fatalf("InsertHistory failed: %v", err)
	}

	again := testHistory("jf-1", "m1", "u1", base.Add(time.Minute))
	if err := db.InsertHistory(ctx, again); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for repeated (session, media) pair, got %v", err)
	}

	exists, err := db.HistoryExists(ctx, "jf-1", "m1")
	if err != nil {
		t.Fatalf("HistoryExists failed: %v", err)
	}
	if !exists {
		t.Error("expected history row to exist")
	}

	// A different session watching the same media is a distinct record.
	other := testHistory("jf-2", "m1", "u1", base.Add(time.Hour))
	if err := db.InsertHistory(ctx, other); err != nil {
		t.Errorf("expected distinct session to insert cleanly, got %v", err)
	}
}

func TestListDuplicateHistoryGroups(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	// Three rows for (m1, u1), one singleton, one pair for another user.
	rows := []*models.History{
		testHistory("jf-1", "m1", "u1", base),
		testHistory("jf-2", "m1", "u1", base.Add(2*time.Hour)),
		testHistory("jf-3", "m1", "u1", base.Add(time.Hour)),
		testHistory("jf-4", "m9", "u1", base),
		testHistory("jf-5", "m1", "u2", base),
		testHistory("jf-6", "m1", "u2", base.Add(time.Hour)),
	}
	for _, h := range rows {
		if err := db.InsertHistory(ctx, h); err != nil {
			t.Fatalf("InsertHistory %s failed: %v", h.SessionID, err)
		}
	}

	groups, err := db.ListDuplicateHistoryGroups(ctx)
	if err != nil {
		t.Fatalf("ListDuplicateHistoryGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 duplicate groups, got %d", len(groups))
	}

	for _, group := range groups {
		if len(group) < 2 {
			t.Errorf("singleton leaked into duplicate groups: %+v", group)
		}
		for i := 1; i < len(group); i++ {
			if group[i].WatchedAt.After(group[i-1].WatchedAt) {
				t.Errorf("group not ordered newest first: %v before %v",
					group[i-1].WatchedAt, group[i].WatchedAt)
			}
		}
	}

	var u1Group []models.History
	for _, group := range groups {
		if group[0].UserID == "u1" {
			u1Group = group
		}
	}
	if len(u1Group) != 3 {
		t.Fatalf("expected 3 rows in the u1 group, got %d", len(u1Group))
	}
	if u1Group[0].SessionID != "jf-2" {
		t.Errorf("expected jf-2 (newest) first, got %s", u1Group[0].SessionID)
	}
}

func TestMergeHistoryGroup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	keep := testHistory("jf-2", "m1", "u1", base.Add(time.Hour))
	lose := testHistory("jf-1", "m1", "u1", base)
	for _, h := range []*models.History{keep, lose} {
		if err := db.InsertHistory(ctx, h); err != nil {
			t.Fatalf("InsertHistory failed: %v", err)
		}
	}

	keep.StreamDuration = 5400
	keep.PercentComplete = 90
	keep.MergedIDs = []string{"jf-2", "jf-1"}
	if err := db.MergeHistoryGroup(ctx, keep, []uuid.UUID{lose.ID}); err != nil {
		t.Fatalf("MergeHistoryGroup failed: %v", err)
	}

	got, err := db.ListHistory(ctx, "jellyfin", "u1", 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 surviving row, got %d", len(got))
	}
	if got[0].StreamDuration != 5400 || got[0].PercentComplete != 90 {
		t.Errorf("kept row not rewritten: %+v", got[0])
	}
	if len(got[0].MergedIDs) != 2 || got[0].MergedIDs[1] != "jf-1" {
		t.Errorf("merged ids not round-tripped: %v", got[0].MergedIDs)
	}
}

func TestUserUpsertPreservesCounters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	thumb := "/avatars/alice.png"
	if err := db.UpsertUser(ctx, "jellyfin", "u1", "alice", &thumb, first); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if err := db.IncrementUserTotals(ctx, "jellyfin", "u1", 3600); err != nil {
		t.Fatalf("IncrementUserTotals failed: %v", err)
	}
	if err := db.SetUserHistoryEnabled(ctx, "jellyfin", "u1", false); err != nil {
		t.Fatalf("SetUserHistoryEnabled failed: %v", err)
	}

	// A later sighting with a renamed account and no thumb refreshes the
	// display fields without touching counters or the opt-out flag.
	later := first.Add(48 * time.Hour)
	if err := db.UpsertUser(ctx, "jellyfin", "u1", "alice2", nil, later); err != nil {
		t.Fatalf("second UpsertUser failed: %v", err)
	}

	u, err := db.GetUser(ctx, "jellyfin", "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if u.Username != "alice2" {
		t.Errorf("expected refreshed username, got %q", u.Username)
	}
	if u.Thumb == nil || *u.Thumb != thumb {
		t.Errorf("expected nil thumb to preserve the stored one, got %v", u.Thumb)
	}
	if u.PlayCount != 1 || u.TotalDuration != 3600 {
		t.Errorf("counters not preserved: play_count=%d total=%d", u.PlayCount, u.TotalDuration)
	}
	if u.HistoryEnabled {
		t.Error("expected history opt-out to survive the upsert")
	}
	if !u.LastSeen.Equal(later) {
		t.Errorf("expected last_seen %v, got %v", later, u.LastSeen)
	}
}

func TestGetUserNotFound(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.GetUser(context.Background(), "plex", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSettingsUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetSetting(ctx, SettingHistoryMinDuration); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent setting, got %v", err)
	}

	if err := db.SetSetting(ctx, SettingHistoryMinDuration, "60"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting(ctx, SettingHistoryMinDuration, "120"); err != nil {
		t.Fatalf("second SetSetting failed: %v", err)
	}

	v, err := db.GetSetting(ctx, SettingHistoryMinDuration)
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "120" {
		t.Errorf("expected overwritten value 120, got %q", v)
	}
}

func TestGeolocationRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := db.GetGeolocation(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("GetGeolocation failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unresolved address, got %+v", got)
	}

	city := "London"
	geo := &models.Geolocation{
		IPAddress:   "203.0.113.10",
		Latitude:    51.5074,
		Longitude:   -0.1278,
		Country:     "United Kingdom",
		City:        &city,
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := db.UpsertGeolocation(ctx, geo); err != nil {
		t.Fatalf("UpsertGeolocation failed: %v", err)
	}

	geo.Country = "GB"
	geo.LastUpdated = geo.LastUpdated.Add(time.Hour)
	if err := db.UpsertGeolocation(ctx, geo); err != nil {
		t.Fatalf("second UpsertGeolocation failed: %v", err)
	}

	got, err = db.GetGeolocation(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("GetGeolocation failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cached row")
	}
	if got.Country != "GB" {
		t.Errorf("expected refreshed country GB, got %q", got.Country)
	}
	if got.City == nil || *got.City != "London" {
		t.Errorf("city not round-tripped: %v", got.City)
	}
	if got.Local {
		t.Error("expected non-local address")
	}
}
