// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package source defines the adapter contract each media-server
// integration satisfies, the registry the engine consumes adapters
// through, and the liveness heuristic for sources without reliable stop
// events.
package source

import (
	"context"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

// Source is the normalization contract every media-server adapter
// implements. GetActiveStreams returns one Activity per playback attempt
// observed this cycle; an adapter failure returns an error and the engine
// treats it as zero activities for the cycle.
type Source interface {
	// Name identifies the configured instance (e.g. "plex").
	Name() string

	// Type is the source type: "plex", "jellyfin", or "emby".
	Type() string

	GetActiveStreams(ctx context.Context) ([]models.Activity, error)
	TestConnection(ctx context.Context) error
	GetItemInfo(ctx context.Context, mediaID string) (*models.ItemInfo, error)
	SearchByTitle(ctx context.Context, title string) ([]models.ItemInfo, error)
}

// PushEvent is an asynchronous hint from a source that playback state
// changed. It carries no state of its own: the engine's only reaction is
// to re-poll immediately, which keeps a single state machine.
type PushEvent struct {
	Source    string
	SessionID string
	Kind      string // "start", "stop", "progress", "unknown"
	At        time.Time
}

// PushSource is the optional capability for adapters whose servers expose
// an asynchronous event feed. Subscribing is best-effort; a source that
// cannot keep its feed alive still works through polling alone.
type PushSource interface {
	Source

	// SubscribeLiveEvents starts delivering push events to handler until
	// the context is canceled or UnsubscribeLiveEvents is called. The
	// handler must not block.
	SubscribeLiveEvents(ctx context.Context, handler func(PushEvent)) error
	UnsubscribeLiveEvents()
}

// Options carries per-source reconciliation behavior consumed by the
// engine rather than the adapter itself.
type Options struct {
	// GraceWindow tolerates a session missing from polls for this long
	// before the sweep closes it. Zero closes on first disappearance.
	GraceWindow time.Duration

	// SelfLiveness marks sources that manage their own liveness (the
	// position/event heuristic); the stale sweep leaves their sessions
	// alone because the adapter already reports dead or vanished ones
	// as stopped.
	SelfLiveness bool
}

// Entry pairs an adapter with its reconciliation options.
type Entry struct {
	Source  Source
	Options Options
}

// Registry holds all configured adapters. It is built once at process
// start and passed into the monitor; there is no ambient global adapter
// state.
type Registry struct {
	entries []Entry
	byType  map[string]Options
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Options)}
}

// Register adds an adapter with its options.
func (r *Registry) Register(src Source, opts Options) {
	r.entries = append(r.entries, Entry{Source: src, Options: opts})
	r.byType[src.Type()] = opts
}

// Entries returns all registered adapters in registration order.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.entries)
}

// OptionsFor returns the reconciliation options for a source type.
// Unknown types get zero options: no grace window, sweep-managed.
func (r *Registry) OptionsFor(sourceType string) Options {
	return r.byType[sourceType]
}

// pushCapable lets wrappers that forward push methods unconditionally
// (BreakerSource) report whether their inner source actually supports
// them.
type pushCapable interface {
	SupportsPush() bool
}

// PushSources returns the registered adapters that support push events.
func (r *Registry) PushSources() []PushSource {
	var out []PushSource
	for _, e := range r.entries {
		ps, ok := e.Source.(PushSource)
		if !ok {
			continue
		}
		if pc, capable := e.Source.(pushCapable); capable && !pc.SupportsPush() {
			continue
		}
		out = append(out, ps)
	}
	return out
}
