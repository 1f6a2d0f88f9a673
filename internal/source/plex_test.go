// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

const plexSessionsBody = `{
	"MediaContainer": {
		"size": 1,
		"Metadata": [{
			"sessionKey": "42",
			"ratingKey": "1234",
			"type": "episode",
			"title": "Pilot",
			"parentTitle": "Season 1",
			"grandparentTitle": "Some Show",
			"year": 2020,
			"thumb": "/library/metadata/1234/thumb",
			"viewOffset": %d,
			"duration": 2700000,
			"User": {"id": 7, "title": "alice", "thumb": "/users/7/thumb"},
			"Player": {"address": "203.0.113.9", "device": "Shield", "product": "Plex for Android", "state": "playing", "local": false},
			"Session": {"id": "abc", "bandwidth": 8000}
		}]
	}
}`

func newPlexTestServer(t *testing.T, viewOffset *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/status/sessions":
			fmt.Fprintf(w, plexSessionsBody, viewOffset.Load())
		case "/identity":
			fmt.Fprint(w, `{"MediaContainer": {"machineIdentifier": "abc123"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestPlexNormalizesSession(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	offset.Store(600_000) // 10 minutes in ms
	srv := newPlexTestServer(t, &offset)
	defer srv.Close()

	p := NewPlexSource("plex", srv.URL, "test-token", 5*time.Minute)
	// A push event precedes the poll, so the session starts active.
	p.liveness.MarkPush("42")

	activities, err := p.GetActiveStreams(context.Background())
	if err != nil {
		t.Fatalf("GetActiveStreams: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(activities))
	}

	a := activities[0]
	if a.SessionID != "42" || a.Source != "plex" || a.MediaID != "1234" {
		t.Errorf("identity fields wrong: %+v", a)
	}
	if a.State != models.StatePlaying {
		t.Errorf("state = %s, want playing", a.State)
	}
	if a.Position != 600 || a.Duration != 2700 {
		t.Errorf("times = (%d, %d) seconds, want (600, 2700)", a.Position, a.Duration)
	}
	if a.ProgressPercent < 22.1 || a.ProgressPercent > 22.3 {
		t.Errorf("progress = %v, want ~22.2", a.ProgressPercent)
	}
	if a.UserID != "7" || a.Username != "alice" {
		t.Errorf("user fields wrong: %s/%s", a.UserID, a.Username)
	}
	if a.GrandparentTitle == nil || *a.GrandparentTitle != "Some Show" {
		t.Errorf("grandparent title wrong: %v", a.GrandparentTitle)
	}
	if a.IPAddress != "203.0.113.9" || a.IsLocal {
		t.Errorf("network fields wrong: %s local=%v", a.IPAddress, a.IsLocal)
	}
	if a.Bitrate == nil || *a.Bitrate != 8000 {
		t.Errorf("bitrate wrong: %v", a.Bitrate)
	}
}

func TestPlexFirstSightingReportedStopped(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	offset.Store(600_000)
	srv := newPlexTestServer(t, &offset)
	defer srv.Close()

	p := NewPlexSource("plex", srv.URL, "test-token", 5*time.Minute)

	// No push, no prior poll: provisionally inactive, reported stopped so
	// no session row opens yet.
	activities, err := p.GetActiveStreams(context.Background())
	if err != nil {
		t.Fatalf("GetActiveStreams: %v", err)
	}
	if activities[0].State != models.StateStopped {
		t.Errorf("state = %s, want stopped for provisionally inactive session", activities[0].State)
	}

	// Position advances on the next poll: promoted.
	offset.Store(615_000)
	activities, err = p.GetActiveStreams(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if activities[0].State != models.StatePlaying {
		t.Errorf("state = %s, want playing after position advance", activities[0].State)
	}
}

func TestPlexVanishedSessionReportedStoppedOnce(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	offset.Store(600_000)

	var gone atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gone.Load() {
			fmt.Fprint(w, `{"MediaContainer": {"size": 0, "Metadata": []}}`)
			return
		}
		fmt.Fprintf(w, plexSessionsBody, offset.Load())
	}))
	defer srv.Close()

	p := NewPlexSource("plex", srv.URL, "test-token", 5*time.Minute)
	p.liveness.MarkPush("42")

	if _, err := p.GetActiveStreams(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	gone.Store(true)
	activities, err := p.GetActiveStreams(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected one synthetic stopped activity, got %d", len(activities))
	}
	if activities[0].State != models.StateStopped || activities[0].SessionID != "42" {
		t.Errorf("synthetic activity = %+v, want stopped session 42", activities[0])
	}

	// Third poll: the close was already reported, nothing remains.
	activities, err = p.GetActiveStreams(context.Background())
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if len(activities) != 0 {
		t.Errorf("expected no activities after the vanish was reported, got %d", len(activities))
	}
}

func TestPlexTestConnection(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	srv := newPlexTestServer(t, &offset)
	defer srv.Close()

	p := NewPlexSource("plex", srv.URL, "test-token", 0)
	if err := p.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection: %v", err)
	}

	bad := NewPlexSource("plex", srv.URL, "wrong-token", 0)
	if err := bad.TestConnection(context.Background()); err == nil {
		t.Error("expected error for bad token")
	}
}

func TestPlexSearchByTitle(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("query") != "pilot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{
			"MediaContainer": {
				"Metadata": [{"ratingKey": "1234", "type": "episode", "title": "Pilot", "year": 2020, "duration": 2700000}]
			}
		}`)
	}))
	defer srv.Close()

	p := NewPlexSource("plex", srv.URL, "test-token", 0)
	items, err := p.SearchByTitle(context.Background(), "pilot")
	if err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].MediaID != "1234" || items[0].Duration != 2700 {
		t.Errorf("item = %+v", items[0])
	}
}
