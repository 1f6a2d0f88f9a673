// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package source

import (
	"sync"
	"time"
)

// livenessEntry tracks one external session identifier.
type livenessEntry struct {
	lastPosition int64
	lastSignal   time.Time // last position advance or push event
	active       bool
}

// LivenessTracker infers whether reported activities are genuinely
// progressing, for sources that cannot reliably signal discrete stop
// events. A session is active if its position advanced or a push event
// arrived within the inactivity threshold.
//
// A session observed for the first time is provisionally inactive unless
// a push event already marked it active; this prevents misclassifying a
// session discovered mid-pause as active.
type LivenessTracker struct {
	mu        sync.Mutex
	entries   map[string]*livenessEntry
	threshold time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewLivenessTracker creates a tracker with the given inactivity
// threshold. A zero threshold defaults to 5 minutes.
func NewLivenessTracker(threshold time.Duration) *LivenessTracker {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &LivenessTracker{
		entries:   make(map[string]*livenessEntry),
		threshold: threshold,
		now:       time.Now,
	}
}

// MarkPush records a push event for an identifier, promoting it to
// active. Push-first discovery means the session starts active even
// before its first poll observation.
func (t *LivenessTracker) MarkPush(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[sessionID]
	if !ok {
		e = &livenessEntry{lastPosition: -1}
		t.entries[sessionID] = e
	}
	e.lastSignal = t.now()
	e.active = true
}

// Observe records a polled playback position and returns whether the
// session is currently considered active.
func (t *LivenessTracker) Observe(sessionID string, position int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[sessionID]
	if !ok {
		// First sighting via poll: provisionally inactive until the
		// position moves or a push event arrives.
		t.entries[sessionID] = &livenessEntry{
			lastPosition: position,
			lastSignal:   now,
			active:       false,
		}
		return false
	}

	if position != e.lastPosition {
		e.lastPosition = position
		e.lastSignal = now
		e.active = true
	} else if now.Sub(e.lastSignal) > t.threshold {
		e.active = false
	}
	return e.active
}

// IsActive reports the current classification without updating it.
func (t *LivenessTracker) IsActive(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[sessionID]
	if !ok {
		return false
	}
	if t.now().Sub(e.lastSignal) > t.threshold {
		e.active = false
	}
	return e.active
}

// Prune drops tracking entries for identifiers no longer reported,
// called once per cycle with the identifiers seen in the latest poll.
func (t *LivenessTracker) Prune(live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.entries {
		if !live[id] {
			delete(t.entries, id)
		}
	}
}

// Len returns the number of tracked identifiers.
func (t *LivenessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
