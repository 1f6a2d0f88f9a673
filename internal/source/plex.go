// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
plex.go - Plex Media Server Adapter

Plex reports active playback through GET /status/sessions and pushes
state changes over its notification websocket. The websocket is treated
only as a hint to re-poll; session state always comes from the poll.

Plex has no reliable discrete stop signal for every client, so this
adapter runs the position/event liveness heuristic: a session whose
position stops advancing with no push activity for the inactivity
threshold is demoted and reported as stopped.
*/

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/chronicle-media/chronicle/internal/models"
)

// plexSessionsResponse is the envelope of GET /status/sessions.
type plexSessionsResponse struct {
	MediaContainer struct {
		Size     int           `json:"size"`
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

// plexSession is one active playback session.
type plexSession struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	ParentTitle      string `json:"parentTitle,omitempty"`
	GrandparentTitle string `json:"grandparentTitle,omitempty"`
	Year             int    `json:"year,omitempty"`
	Thumb            string `json:"thumb,omitempty"`
	ViewOffset       int64  `json:"viewOffset"` // milliseconds
	Duration         int64  `json:"duration"`   // milliseconds

	User *struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
		Thumb string      `json:"thumb"`
	} `json:"User,omitempty"`

	Player *struct {
		Address string `json:"address"`
		Device  string `json:"device"`
		Product string `json:"product"`
		State   string `json:"state"` // playing, paused, buffering
		Local   bool   `json:"local"`
	} `json:"Player,omitempty"`

	Session *struct {
		ID        string `json:"id"`
		Bandwidth int64  `json:"bandwidth"`
	} `json:"Session,omitempty"`

	TranscodeSession *struct {
		VideoCodec string `json:"videoCodec"`
		AudioCodec string `json:"audioCodec"`
	} `json:"TranscodeSession,omitempty"`
}

// plexMetadataResponse is the envelope of GET /library/metadata/{id} and
// GET /search.
type plexMetadataResponse struct {
	MediaContainer struct {
		Metadata []struct {
			RatingKey string `json:"ratingKey"`
			Type      string `json:"type"`
			Title     string `json:"title"`
			Year      int    `json:"year,omitempty"`
			Thumb     string `json:"thumb,omitempty"`
			Duration  int64  `json:"duration,omitempty"` // milliseconds
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// PlexSource adapts a Plex Media Server to the Source contract.
type PlexSource struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
	liveness   *LivenessTracker

	// lastSeen caches the previous poll's normalized activities so a
	// session that vanishes between polls can be reported once more as
	// stopped. Plex drops stopped sessions from /status/sessions without
	// any terminal event, and the engine's sweep leaves this source
	// alone, so the adapter owns the close signal.
	mu       sync.Mutex
	lastSeen map[string]models.Activity

	ws *plexWebSocket
}

var _ PushSource = (*PlexSource)(nil)

// NewPlexSource creates a Plex adapter.
func NewPlexSource(name, baseURL, token string, livenessThreshold time.Duration) *PlexSource {
	if name == "" {
		name = "plex"
	}
	return &PlexSource{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		liveness: NewLivenessTracker(livenessThreshold),
		lastSeen: make(map[string]models.Activity),
	}
}

// Name returns the configured instance name.
func (p *PlexSource) Name() string { return p.name }

// Type returns "plex".
func (p *PlexSource) Type() string { return "plex" }

// GetActiveStreams polls /status/sessions and normalizes the result.
// Sessions the liveness heuristic has demoted are reported as stopped so
// the engine closes them through the ordinary update path.
func (p *PlexSource) GetActiveStreams(ctx context.Context) ([]models.Activity, error) {
	var resp plexSessionsResponse
	if err := p.doJSONRequest(ctx, "/status/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("plex sessions request failed: %w", err)
	}

	live := make(map[string]bool, len(resp.MediaContainer.Metadata))
	activities := make([]models.Activity, 0, len(resp.MediaContainer.Metadata))
	seen := make(map[string]models.Activity, len(resp.MediaContainer.Metadata))

	for i := range resp.MediaContainer.Metadata {
		s := &resp.MediaContainer.Metadata[i]
		if s.SessionKey == "" {
			continue
		}
		live[s.SessionKey] = true

		positionSec := s.ViewOffset / 1000
		active := p.liveness.Observe(s.SessionKey, positionSec)

		a := p.normalize(s)
		if !active && a.State != models.StateStopped {
			a.State = models.StateStopped
		}
		if a.State != models.StateStopped {
			seen[s.SessionKey] = a
		}
		activities = append(activities, a)
	}

	// Sessions reported last poll but gone now get one final stopped
	// activity so their rows close through the ordinary update path.
	p.mu.Lock()
	for id, prev := range p.lastSeen {
		if !live[id] {
			prev.State = models.StateStopped
			activities = append(activities, prev)
		}
	}
	p.lastSeen = seen
	p.mu.Unlock()

	p.liveness.Prune(live)
	return activities, nil
}

func (p *PlexSource) normalize(s *plexSession) models.Activity {
	a := models.Activity{
		SessionID:  s.SessionKey,
		Source:     p.Type(),
		SourceName: p.name,
		MediaType:  s.Type,
		MediaID:    s.RatingKey,
		Title:      s.Title,
		State:      models.StatePaused,
		Duration:   s.Duration / 1000,
		Position:   s.ViewOffset / 1000,
	}

	if s.Duration > 0 {
		a.ProgressPercent = float64(s.ViewOffset) / float64(s.Duration) * 100
	}
	if s.ParentTitle != "" {
		t := s.ParentTitle
		a.ParentTitle = &t
	}
	if s.GrandparentTitle != "" {
		t := s.GrandparentTitle
		a.GrandparentTitle = &t
	}
	if s.Year > 0 {
		y := s.Year
		a.Year = &y
	}
	if s.Thumb != "" {
		t := s.Thumb
		a.Thumb = &t
	}

	if s.User != nil {
		a.UserID = s.User.ID.String()
		a.Username = s.User.Title
		if s.User.Thumb != "" {
			t := s.User.Thumb
			a.UserThumb = &t
		}
	}

	if s.Player != nil {
		switch s.Player.State {
		case "playing":
			a.State = models.StatePlaying
		case "buffering":
			a.State = models.StateBuffering
		case "stopped":
			a.State = models.StateStopped
		default:
			a.State = models.StatePaused
		}
		a.IPAddress = s.Player.Address
		a.IsLocal = s.Player.Local
		if s.Player.Product != "" {
			pr := s.Player.Product
			a.Player = &pr
		}
		if s.Player.Device != "" {
			d := s.Player.Device
			a.DeviceName = &d
		}
	}

	if s.Session != nil && s.Session.Bandwidth > 0 {
		bw := s.Session.Bandwidth
		a.Bitrate = &bw
	}
	if s.TranscodeSession != nil {
		a.IsTranscode = true
		if s.TranscodeSession.VideoCodec != "" {
			c := s.TranscodeSession.VideoCodec
			a.VideoCodec = &c
		}
		if s.TranscodeSession.AudioCodec != "" {
			c := s.TranscodeSession.AudioCodec
			a.AudioCodec = &c
		}
	}

	return a
}

// TestConnection verifies the server is reachable and the token valid.
func (p *PlexSource) TestConnection(ctx context.Context) error {
	var resp struct {
		MediaContainer struct {
			MachineIdentifier string `json:"machineIdentifier"`
		} `json:"MediaContainer"`
	}
	if err := p.doJSONRequest(ctx, "/identity", nil, &resp); err != nil {
		return fmt.Errorf("plex connection test failed: %w", err)
	}
	return nil
}

// GetItemInfo fetches library metadata for a rating key.
func (p *PlexSource) GetItemInfo(ctx context.Context, mediaID string) (*models.ItemInfo, error) {
	var resp plexMetadataResponse
	if err := p.doJSONRequest(ctx, "/library/metadata/"+url.PathEscape(mediaID), nil, &resp); err != nil {
		return nil, fmt.Errorf("plex metadata request failed: %w", err)
	}
	if len(resp.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("plex item %s not found", mediaID)
	}
	return metadataToItemInfo(&resp, 0), nil
}

// SearchByTitle searches the library by title.
func (p *PlexSource) SearchByTitle(ctx context.Context, title string) ([]models.ItemInfo, error) {
	params := url.Values{}
	params.Set("query", title)

	var resp plexMetadataResponse
	if err := p.doJSONRequest(ctx, "/search", params, &resp); err != nil {
		return nil, fmt.Errorf("plex search request failed: %w", err)
	}

	items := make([]models.ItemInfo, 0, len(resp.MediaContainer.Metadata))
	for i := range resp.MediaContainer.Metadata {
		items = append(items, *metadataToItemInfo(&resp, i))
	}
	return items, nil
}

func metadataToItemInfo(resp *plexMetadataResponse, i int) *models.ItemInfo {
	m := &resp.MediaContainer.Metadata[i]
	info := &models.ItemInfo{
		MediaID:   m.RatingKey,
		MediaType: m.Type,
		Title:     m.Title,
		Duration:  m.Duration / 1000,
	}
	if m.Year > 0 {
		y := m.Year
		info.Year = &y
	}
	if m.Thumb != "" {
		t := m.Thumb
		info.Thumb = &t
	}
	return info
}

// doJSONRequest performs an authenticated GET and decodes the JSON body.
func (p *PlexSource) doJSONRequest(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := p.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
