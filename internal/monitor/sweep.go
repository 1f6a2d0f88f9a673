// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
sweep.go - Stale Session Sweep

After every cycle's activities are applied, remaining open sessions are
checked for staleness: paused past the paused timeout, or missing from
their source's report. Sources that manage their own liveness are left
alone entirely; their adapters report dead sessions as stopped. A
source whose poll failed this cycle is skipped for disappearance, since
absence cannot be distinguished from an API outage.
*/

package monitor

import (
	"context"

	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/models"
)

// sweepStale closes or flags stale open sessions. active maps source
// type to the external session ids reported open this cycle; failed
// marks sources whose poll errored.
func (m *Monitor) sweepStale(ctx context.Context, active map[string]map[string]bool, failed map[string]bool) {
	open, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Sweep failed to list open sessions")
		return
	}

	now := m.now()
	for i := range open {
		sess := &open[i]

		opts := m.registry.OptionsFor(sess.Source)
		if opts.SelfLiveness {
			continue
		}

		if sess.State == models.StatePaused && now.Sub(sess.LastPositionUpdate) > m.opts.PausedTimeout {
			if err := m.closeSession(ctx, sess, "paused_timeout"); err != nil {
				logging.Error().Str("session_id", sess.SessionID).Err(err).Msg("Failed to close timed-out paused session")
			}
			continue
		}

		if failed[sess.Source] {
			continue
		}
		if ids := active[sess.Source]; ids[sess.SessionID] {
			continue
		}

		switch {
		case opts.GraceWindow <= 0:
			if err := m.closeSession(ctx, sess, "disappeared"); err != nil {
				logging.Error().Str("session_id", sess.SessionID).Err(err).Msg("Failed to close disappeared session")
			}

		case sess.MissingSince == nil:
			t := now
			sess.MissingSince = &t
			if err := m.store.UpdateSession(ctx, sess); err != nil {
				logging.Error().Str("session_id", sess.SessionID).Err(err).Msg("Failed to flag missing session")
			} else {
				logging.Debug().
					Str("source", sess.Source).
					Str("session_id", sess.SessionID).
					Msg("Session missing from poll, grace window started")
			}

		case now.Sub(*sess.MissingSince) > opts.GraceWindow:
			if err := m.closeSession(ctx, sess, "disappeared"); err != nil {
				logging.Error().Str("session_id", sess.SessionID).Err(err).Msg("Failed to close disappeared session")
			}
		}
	}
}
