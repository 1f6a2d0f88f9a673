// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package source

import (
	"context"
	"fmt"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
	"github.com/chronicle-media/chronicle/internal/models"
)

// BreakerSource wraps an adapter's polling path with a circuit breaker so
// a dead server fails fast instead of burning the per-cycle adapter
// timeout every pass. An open breaker degrades to an error, which the
// engine treats as zero activities.
//
// Item lookups and connection tests bypass the breaker: they are
// user-initiated and infrequent.
type BreakerSource struct {
	Source
	cb *gobreaker.CircuitBreaker[[]models.Activity]
}

// NewBreakerSource wraps src with a circuit breaker. The breaker opens
// after 5 consecutive failures and probes again after 30 seconds, which
// spans a couple of reconciliation cycles.
func NewBreakerSource(src Source) *BreakerSource {
	name := src.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]models.Activity](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			logging.Warn().
				Str("source", cbName).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Adapter circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(breakerStateValue(to))
		},
	})

	return &BreakerSource{Source: src, cb: cb}
}

// GetActiveStreams polls through the breaker.
func (b *BreakerSource) GetActiveStreams(ctx context.Context) ([]models.Activity, error) {
	activities, err := b.cb.Execute(func() ([]models.Activity, error) {
		return b.Source.GetActiveStreams(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", b.Name(), err)
	}
	return activities, nil
}

// SubscribeLiveEvents forwards to the wrapped source when it supports
// push events.
func (b *BreakerSource) SubscribeLiveEvents(ctx context.Context, handler func(PushEvent)) error {
	ps, ok := b.Source.(PushSource)
	if !ok {
		return fmt.Errorf("source %s does not support push events", b.Name())
	}
	return ps.SubscribeLiveEvents(ctx, handler)
}

// UnsubscribeLiveEvents forwards to the wrapped source when it supports
// push events.
func (b *BreakerSource) UnsubscribeLiveEvents() {
	if ps, ok := b.Source.(PushSource); ok {
		ps.UnsubscribeLiveEvents()
	}
}

// SupportsPush reports whether the wrapped source can push events.
func (b *BreakerSource) SupportsPush() bool {
	_, ok := b.Source.(PushSource)
	return ok
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
