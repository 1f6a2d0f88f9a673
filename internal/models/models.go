// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package models defines data structures shared across the Chronicle engine:
// normalized activity snapshots, session state, history records, user
// aggregates, and geolocation annotations.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the playback state reported by a media server.
type SessionState string

// Playback states. Every adapter maps its native state vocabulary onto
// these four values.
const (
	StatePlaying   SessionState = "playing"
	StatePaused    SessionState = "paused"
	StateBuffering SessionState = "buffering"
	StateStopped   SessionState = "stopped"
)

// IsOpen reports whether the state describes an ongoing playback attempt.
func (s SessionState) IsOpen() bool {
	return s == StatePlaying || s == StatePaused || s == StateBuffering
}

// continuousAudioTypes lists media types consumed over many short sessions.
// These are exempt from the minimum-percent history policy: nobody finishes
// 10% of an audiobook in one sitting.
var continuousAudioTypes = map[string]bool{
	"audiobook": true,
	"track":     true,
	"book":      true,
}

// IsContinuousAudio reports whether the media type is long-form audio
// content exempt from the percent-complete history threshold.
func IsContinuousAudio(mediaType string) bool {
	return continuousAudioTypes[strings.ToLower(mediaType)]
}

// Activity is one adapter's normalized snapshot of a single playback
// attempt for one reconciliation cycle.
//
// Required fields are populated by every adapter; optional pointer fields
// are filled only when the source exposes them.
type Activity struct {
	// Session identification
	SessionID  string `json:"session_id"` // External session identifier, unique per source
	Source     string `json:"source"`     // Source type: "plex", "jellyfin", "emby"
	SourceName string `json:"source_name"`

	// User identification
	UserID    string  `json:"user_id"`
	Username  string  `json:"username"`
	UserThumb *string `json:"user_thumb,omitempty"`

	// Media identification
	MediaType        string  `json:"media_type"` // movie, episode, track, audiobook, ...
	MediaID          string  `json:"media_id"`
	Title            string  `json:"title"`
	ParentTitle      *string `json:"parent_title,omitempty"`      // Season / album
	GrandparentTitle *string `json:"grandparent_title,omitempty"` // Series / artist
	Year             *int    `json:"year,omitempty"`
	Thumb            *string `json:"thumb,omitempty"`

	// Playback state
	State           SessionState `json:"state"`
	ProgressPercent float64      `json:"progress_percent"` // 0-100
	Duration        int64        `json:"duration"`         // Total media duration, seconds
	Position        int64        `json:"position"`         // Current position, seconds

	// Stream details (optional)
	Bitrate      *int64  `json:"bitrate,omitempty"`
	IsTranscode  bool    `json:"is_transcode"`
	VideoCodec   *string `json:"video_codec,omitempty"`
	AudioCodec   *string `json:"audio_codec,omitempty"`
	Player       *string `json:"player,omitempty"`
	DeviceName   *string `json:"device_name,omitempty"`

	// Network (optional)
	IPAddress string `json:"ip_address,omitempty"`
	IsLocal   bool   `json:"is_local"`
}

// Session is the engine's durable record of one continuous (or resumed)
// playback attempt.
//
// The row is keyed by a surrogate UUID so that media-change and resume
// transitions close one row and insert another without a uniqueness
// conflict on the external session identifier. The external identifier is
// only unique among open rows.
type Session struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id"` // External identifier from the source
	Source     string    `json:"source"`
	SourceName string    `json:"source_name"`

	UserID   string `json:"user_id"`
	Username string `json:"username"`

	MediaType        string  `json:"media_type"`
	MediaID          string  `json:"media_id"`
	Title            string  `json:"title"`
	ParentTitle      *string `json:"parent_title,omitempty"`
	GrandparentTitle *string `json:"grandparent_title,omitempty"`

	State           SessionState `json:"state"`
	ProgressPercent float64      `json:"progress_percent"`
	Duration        int64        `json:"duration"` // seconds
	Position        int64        `json:"position"` // seconds

	// PlaybackTime accumulates seconds actually spent in the playing state.
	// Paused and buffering intervals contribute nothing.
	PlaybackTime int64 `json:"playback_time"`

	// PausedCounter counts playing -> paused transitions.
	PausedCounter int `json:"paused_counter"`

	// LastPositionUpdate is refreshed only while the state is playing; the
	// interval since it is what PlaybackTime grows by.
	LastPositionUpdate time.Time  `json:"last_position_update"`
	StartedAt          time.Time  `json:"started_at"`
	StoppedAt          *time.Time `json:"stopped_at,omitempty"`

	// MissingSince is set while a grace-windowed source stops reporting the
	// session; cleared when it reappears.
	MissingSince *time.Time `json:"missing_since,omitempty"`

	IPAddress string       `json:"ip_address,omitempty"`
	Geo       *Geolocation `json:"geo,omitempty"`
}

// IsStopped reports whether the session row has been closed.
func (s *Session) IsStopped() bool {
	return s.State == StateStopped
}

// History is a durable, append-only record that a user watched or listened
// to an item. At most one row exists per (originating session, media id)
// pair; that pair is the idempotency key for writes.
type History struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id"` // Originating external session id (dedup back-reference)
	Source    string    `json:"source"`

	UserID   string `json:"user_id"`
	Username string `json:"username"`

	MediaType        string  `json:"media_type"`
	MediaID          string  `json:"media_id"`
	Title            string  `json:"title"`
	ParentTitle      *string `json:"parent_title,omitempty"`
	GrandparentTitle *string `json:"grandparent_title,omitempty"`

	WatchedAt       time.Time `json:"watched_at"`
	Duration        int64     `json:"duration"` // Media duration, seconds
	PercentComplete float64   `json:"percent_complete"`

	// StreamDuration is the final sanity-capped playback_time in seconds.
	StreamDuration int64 `json:"stream_duration"`

	// MergedIDs holds source-session ids consolidated into this row by the
	// duplicate merge maintainer. Comma-separated in storage.
	MergedIDs []string `json:"merged_ids,omitempty"`

	Geo *Geolocation `json:"geo,omitempty"`
}

// User is the per-user aggregate updated as a side effect of every
// processed activity and every history write.
type User struct {
	ID       string `json:"id"` // External user id, scoped by source
	Source   string `json:"source"`
	Username string `json:"username"`
	Thumb    *string `json:"thumb,omitempty"`

	// HistoryEnabled gates history derivation for this user.
	HistoryEnabled bool `json:"history_enabled"`

	PlayCount     int64     `json:"play_count"`
	TotalDuration int64     `json:"total_duration"` // Sum of stream durations, seconds
	LastSeen      time.Time `json:"last_seen"`
	CreatedAt     time.Time `json:"created_at"`
}

// Geolocation holds the resolved network annotation for a client IP.
// Local-network clients get the Local sentinel instead of coordinates.
type Geolocation struct {
	IPAddress   string    `json:"ip_address"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Country     string    `json:"country"`
	City        *string   `json:"city,omitempty"`
	Region      *string   `json:"region,omitempty"`
	Local       bool      `json:"local"` // True for private/LAN addresses
	LastUpdated time.Time `json:"last_updated"`
}

// ItemInfo is the normalized result of a media item lookup or title search
// against a source's library.
type ItemInfo struct {
	MediaID   string  `json:"media_id"`
	MediaType string  `json:"media_type"`
	Title     string  `json:"title"`
	Year      *int    `json:"year,omitempty"`
	Thumb     *string `json:"thumb,omitempty"`
	Duration  int64   `json:"duration"` // seconds
}
