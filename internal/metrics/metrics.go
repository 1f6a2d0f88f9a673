// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package metrics provides Prometheus instrumentation for the monitoring
// engine: cycle timing, adapter health, history derivation, and
// maintenance job outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleDuration tracks how long a full reconciliation cycle takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronicle_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CycleFailures counts top-level cycle failures (recovered panics or
	// unexpected errors). Transient; the next scheduled cycle proceeds.
	CycleFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_cycle_failures_total",
			Help: "Total number of failed reconciliation cycles",
		},
	)

	// ActivitiesObserved counts normalized activities per source per cycle.
	ActivitiesObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_activities_observed_total",
			Help: "Total activities returned by adapters",
		},
		[]string{"source"},
	)

	// AdapterErrors counts adapter failures. A failing adapter contributes
	// zero activities for the cycle and never blocks other adapters.
	AdapterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_adapter_errors_total",
			Help: "Total adapter poll failures",
		},
		[]string{"source"},
	)

	// CircuitBreakerState reports each adapter breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronicle_circuit_breaker_state",
			Help: "Adapter circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"source"},
	)

	// SessionsOpen gauges currently open sessions after each cycle.
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronicle_sessions_open",
			Help: "Number of currently open sessions",
		},
	)

	// SessionsClosed counts session closures by reason
	// (stopped, media_change, resume, paused_timeout, disappeared).
	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_sessions_closed_total",
			Help: "Total sessions closed, by reason",
		},
		[]string{"reason"},
	)

	// HistoryWrites counts history records written and skips by cause
	// (written, duplicate, policy).
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_history_writes_total",
			Help: "History write decisions, by outcome",
		},
		[]string{"outcome"},
	)

	// MergeGroups counts duplicate history groups consolidated by the
	// merge maintainer.
	MergeGroups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_merge_groups_total",
			Help: "Total duplicate history groups merged",
		},
	)

	// GeoLookups counts geolocation resolutions by result
	// (cache, provider, local, failed).
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_geo_lookups_total",
			Help: "Geolocation lookups, by result",
		},
		[]string{"result"},
	)

	// WebsocketClients tracks connected dashboard clients.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronicle_websocket_clients",
			Help: "Currently connected websocket clients",
		},
	)
)
