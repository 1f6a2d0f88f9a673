// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
monitor.go - Reconciliation Engine

The monitor owns the single reconciliation loop: every cycle it polls
all adapters concurrently, applies the results to durable session state
sequentially, sweeps stale sessions, and broadcasts the open set. Push
events never mutate state directly; they only wake the loop early, and
wake-ups arriving mid-cycle coalesce into one extra pass.

All database mutation happens on the loop goroutine, so the engine needs
no locking around session state.
*/

package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
	"github.com/chronicle-media/chronicle/internal/models"
	"github.com/chronicle-media/chronicle/internal/source"
)

// Store is the persistence surface the engine consumes. *database.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	GetOpenSessionByExternalID(ctx context.Context, sourceType, sessionID string) (*models.Session, error)
	ListOpenSessions(ctx context.Context) ([]models.Session, error)

	InsertHistory(ctx context.Context, h *models.History) error
	ListDuplicateHistoryGroups(ctx context.Context) ([][]models.History, error)
	MergeHistoryGroup(ctx context.Context, keep *models.History, removeIDs []uuid.UUID) error

	UpsertUser(ctx context.Context, sourceType, id, username string, thumb *string, seenAt time.Time) error
	GetUser(ctx context.Context, sourceType, id string) (*models.User, error)
	IncrementUserTotals(ctx context.Context, sourceType, id string, duration int64) error

	GetSetting(ctx context.Context, key string) (string, error)
}

// GeoResolver annotates client IPs with network location. Resolution is
// best-effort; nil means unknown.
type GeoResolver interface {
	Resolve(ctx context.Context, ipAddress string) *models.Geolocation
}

// Broadcaster receives the open session set after every cycle.
type Broadcaster interface {
	BroadcastSessions(open []models.Session)
}

// Options tunes the engine's loop and maintenance jobs.
type Options struct {
	Interval       time.Duration // cycle period
	AdapterTimeout time.Duration // per-adapter poll deadline
	PausedTimeout  time.Duration // force-close threshold for paused sessions
	MergeInterval  time.Duration // duplicate merge schedule
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 10 * time.Second
	}
	if o.PausedTimeout <= 0 {
		o.PausedTimeout = 30 * time.Second
	}
	if o.MergeInterval <= 0 {
		o.MergeInterval = time.Hour
	}
}

// Monitor is the reconciliation engine.
type Monitor struct {
	store       Store
	registry    *source.Registry
	geo         GeoResolver // optional
	broadcaster Broadcaster // optional
	push        []source.PushSource
	opts        Options

	wake    chan struct{}
	merging atomic.Bool

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a monitor. geo and broadcaster may be nil; push lists the
// adapters whose live event feeds should wake the loop.
func New(store Store, registry *source.Registry, geo GeoResolver, broadcaster Broadcaster, push []source.PushSource, opts Options) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		store:       store,
		registry:    registry,
		geo:         geo,
		broadcaster: broadcaster,
		push:        push,
		opts:        opts,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// TriggerPoll wakes the loop for an early cycle. Safe from any
// goroutine; concurrent triggers coalesce into a single pass.
func (m *Monitor) TriggerPoll() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// handlePush reacts to an adapter's live event. State never comes from
// the event itself.
func (m *Monitor) handlePush(ev source.PushEvent) {
	logging.Debug().
		Str("source", ev.Source).
		Str("session_id", ev.SessionID).
		Str("kind", ev.Kind).
		Msg("Push event received")
	m.TriggerPoll()
}

// Serve runs the engine until the context ends. It satisfies
// suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	for _, ps := range m.push {
		if err := ps.SubscribeLiveEvents(ctx, m.handlePush); err != nil {
			logging.Warn().Str("source", ps.Name()).Err(err).Msg("Push subscription failed, polling only")
		}
	}
	defer func() {
		for _, ps := range m.push {
			ps.UnsubscribeLiveEvents()
		}
	}()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	mergeTicker := time.NewTicker(m.opts.MergeInterval)
	defer mergeTicker.Stop()

	logging.Info().
		Dur("interval", m.opts.Interval).
		Int("sources", m.registry.Len()).
		Msg("Monitor started")

	m.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.wake:
			m.runCycle(ctx)
		case <-mergeTicker.C:
			m.RunMerge(ctx)
		}
	}
}

// pollResult is one adapter's outcome for a cycle.
type pollResult struct {
	entry      source.Entry
	activities []models.Activity
	err        error
}

// runCycle performs one reconciliation pass. A panic in cycle logic is
// contained here so a poisoned cycle never kills the loop.
func (m *Monitor) runCycle(ctx context.Context) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			metrics.CycleFailures.Inc()
			logging.Error().Interface("panic", r).Msg("Reconciliation cycle panicked")
		}
		metrics.CycleDuration.Observe(m.now().Sub(start).Seconds())
	}()

	results := m.pollAll(ctx)

	// Fan-in is sequential: one writer, no session-level races.
	active := make(map[string]map[string]bool, len(results))
	failed := make(map[string]bool)
	total := 0

	for _, res := range results {
		srcType := res.entry.Source.Type()
		if res.err != nil {
			failed[srcType] = true
			metrics.AdapterErrors.WithLabelValues(srcType).Inc()
			logging.Warn().Str("source", srcType).Err(res.err).Msg("Adapter poll failed")
			continue
		}

		metrics.ActivitiesObserved.WithLabelValues(srcType).Add(float64(len(res.activities)))
		total += len(res.activities)

		ids := make(map[string]bool, len(res.activities))
		for i := range res.activities {
			a := &res.activities[i]
			if a.State.IsOpen() {
				ids[a.SessionID] = true
			}
			if err := m.processActivity(ctx, a); err != nil {
				logging.Error().
					Str("source", a.Source).
					Str("session_id", a.SessionID).
					Err(err).
					Msg("Failed to reconcile activity")
			}
		}
		active[srcType] = ids
	}

	m.sweepStale(ctx, active, failed)

	open, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list open sessions")
		return
	}
	metrics.SessionsOpen.Set(float64(len(open)))
	if m.broadcaster != nil {
		m.broadcaster.BroadcastSessions(open)
	}

	logging.Debug().
		Int("activities", total).
		Int("open_sessions", len(open)).
		Dur("elapsed", m.now().Sub(start)).
		Msg("Reconciliation cycle complete")
}

// pollAll queries every adapter concurrently, each under its own timeout.
// A failed adapter contributes an error, never a partial result.
func (m *Monitor) pollAll(ctx context.Context) []pollResult {
	entries := m.registry.Entries()
	results := make([]pollResult, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e source.Entry) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = pollResult{entry: e, err: fmt.Errorf("adapter panicked: %v", r)}
				}
			}()

			pollCtx, cancel := context.WithTimeout(ctx, m.opts.AdapterTimeout)
			defer cancel()

			activities, err := e.Source.GetActiveStreams(pollCtx)
			results[i] = pollResult{entry: e, activities: activities, err: err}
		}(i, e)
	}
	wg.Wait()

	return results
}
