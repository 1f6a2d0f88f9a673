// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
merge.go - Duplicate History Consolidation

Interrupted sessions leave several history rows for the same (media,
user) pair. The maintainer consolidates each group into its newest row:
stream durations sum, percent complete takes the maximum, and the
absorbed rows' session ids are kept for traceability. Each group
consolidates in its own transaction so one bad group cannot poison the
rest.
*/

package monitor

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/chronicle-media/chronicle/internal/database"
	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
)

// RunMerge consolidates duplicate history rows. A merge already in
// flight makes this call a no-op, so a manual trigger can never overlap
// the scheduled run.
func (m *Monitor) RunMerge(ctx context.Context) {
	if !m.merging.CompareAndSwap(false, true) {
		logging.Debug().Msg("History merge already running, skipping")
		return
	}
	defer m.merging.Store(false)

	if v, err := m.store.GetSetting(ctx, database.SettingHistoryGrouping); err == nil {
		if enabled, perr := strconv.ParseBool(v); perr == nil && !enabled {
			logging.Debug().Msg("History grouping disabled, skipping merge")
			return
		}
	}

	groups, err := m.store.ListDuplicateHistoryGroups(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list duplicate history groups")
		return
	}
	if len(groups) == 0 {
		return
	}

	merged := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}

		// Groups arrive ordered newest first; the newest row survives.
		keep := group[0]
		removeIDs := make([]uuid.UUID, 0, len(group)-1)

		for _, h := range group[1:] {
			keep.StreamDuration += h.StreamDuration
			if h.PercentComplete > keep.PercentComplete {
				keep.PercentComplete = h.PercentComplete
			}
			keep.MergedIDs = append(keep.MergedIDs, h.SessionID)
			keep.MergedIDs = append(keep.MergedIDs, h.MergedIDs...)
			removeIDs = append(removeIDs, h.ID)
		}

		if keep.Duration > 0 && keep.StreamDuration > keep.Duration {
			keep.StreamDuration = keep.Duration
		}

		if err := m.store.MergeHistoryGroup(ctx, &keep, removeIDs); err != nil {
			logging.Error().
				Str("media_id", keep.MediaID).
				Str("user_id", keep.UserID).
				Err(err).
				Msg("Failed to merge history group")
			continue
		}
		merged++
	}

	metrics.MergeGroups.Add(float64(merged))
	logging.Info().Int("groups", merged).Msg("History merge complete")
}
