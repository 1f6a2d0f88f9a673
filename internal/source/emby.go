// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
emby.go - Emby Server Adapter

Emby shares the MediaBrowser API lineage with Jellyfin: same /Sessions
shape, same tick units, same item type vocabulary. Authentication
differs (X-Emby-Token header) and Emby gets no push subscription, so it
is a poll-only, grace-windowed source.
*/

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/chronicle-media/chronicle/internal/models"
)

// EmbySource adapts an Emby server to the Source contract.
type EmbySource struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Source = (*EmbySource)(nil)

// NewEmbySource creates an Emby adapter.
func NewEmbySource(name, baseURL, apiKey string) *EmbySource {
	if name == "" {
		name = "emby"
	}
	return &EmbySource{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the configured instance name.
func (e *EmbySource) Name() string { return e.name }

// Type returns "emby".
func (e *EmbySource) Type() string { return "emby" }

// GetActiveStreams polls /Sessions and normalizes every session that is
// currently playing something.
func (e *EmbySource) GetActiveStreams(ctx context.Context) ([]models.Activity, error) {
	var sessions []jellyfinSession
	if err := e.doJSONRequest(ctx, "/Sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("emby sessions request failed: %w", err)
	}

	activities := make([]models.Activity, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		if s.NowPlayingItem == nil {
			continue
		}
		a := e.normalize(s)
		activities = append(activities, a)
	}
	return activities, nil
}

func (e *EmbySource) normalize(s *jellyfinSession) models.Activity {
	item := s.NowPlayingItem

	a := models.Activity{
		SessionID:  s.ID,
		Source:     e.Type(),
		SourceName: e.name,
		UserID:     s.UserID,
		Username:   s.UserName,
		MediaType:  normalizeEmbyType(item.Type),
		MediaID:    item.ID,
		Title:      item.Name,
		State:      models.StatePlaying,
		Duration:   item.RunTimeTicks / ticksPerSecond,
		IPAddress:  stripPort(s.RemoteEndPoint),
		IsLocal:    isPrivateAddress(stripPort(s.RemoteEndPoint)),
	}

	if s.PlayState != nil {
		a.Position = s.PlayState.PositionTicks / ticksPerSecond
		if s.PlayState.IsPaused {
			a.State = models.StatePaused
		}
		a.IsTranscode = s.PlayState.PlayMethod == "Transcode"
		if item.RunTimeTicks > 0 {
			a.ProgressPercent = float64(s.PlayState.PositionTicks) / float64(item.RunTimeTicks) * 100
		}
	}

	switch a.MediaType {
	case "episode":
		if item.SeriesName != "" {
			t := item.SeriesName
			a.GrandparentTitle = &t
		}
		if item.SeasonName != "" {
			t := item.SeasonName
			a.ParentTitle = &t
		}
	case "track", "audiobook":
		if item.AlbumArtist != "" {
			t := item.AlbumArtist
			a.GrandparentTitle = &t
		}
		if item.Album != "" {
			t := item.Album
			a.ParentTitle = &t
		}
	}

	if item.ProductionYear > 0 {
		y := item.ProductionYear
		a.Year = &y
	}
	if tag, ok := item.ImageTags["Primary"]; ok {
		thumb := fmt.Sprintf("/Items/%s/Images/Primary?tag=%s", item.ID, tag)
		a.Thumb = &thumb
	}
	if s.Client != "" {
		c := s.Client
		a.Player = &c
	}
	if s.DeviceName != "" {
		d := s.DeviceName
		a.DeviceName = &d
	}
	if s.TranscodingInfo != nil {
		a.IsTranscode = true
		if s.TranscodingInfo.VideoCodec != "" {
			c := s.TranscodingInfo.VideoCodec
			a.VideoCodec = &c
		}
		if s.TranscodingInfo.AudioCodec != "" {
			c := s.TranscodingInfo.AudioCodec
			a.AudioCodec = &c
		}
		if s.TranscodingInfo.Bitrate > 0 {
			b := s.TranscodingInfo.Bitrate
			a.Bitrate = &b
		}
	}

	return a
}

// TestConnection verifies the server is reachable and the API key valid.
func (e *EmbySource) TestConnection(ctx context.Context) error {
	var info struct {
		ServerName string `json:"ServerName"`
		Version    string `json:"Version"`
	}
	if err := e.doJSONRequest(ctx, "/System/Info", nil, &info); err != nil {
		return fmt.Errorf("emby connection test failed: %w", err)
	}
	return nil
}

// GetItemInfo fetches library metadata for an item id.
func (e *EmbySource) GetItemInfo(ctx context.Context, mediaID string) (*models.ItemInfo, error) {
	params := url.Values{}
	params.Set("Ids", mediaID)

	var resp jellyfinItemsResponse
	if err := e.doJSONRequest(ctx, "/Items", params, &resp); err != nil {
		return nil, fmt.Errorf("emby item request failed: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("emby item %s not found", mediaID)
	}
	return embyItemToInfo(&resp.Items[0]), nil
}

// SearchByTitle searches the library by title.
func (e *EmbySource) SearchByTitle(ctx context.Context, title string) ([]models.ItemInfo, error) {
	params := url.Values{}
	params.Set("SearchTerm", title)
	params.Set("Recursive", "true")
	params.Set("IncludeItemTypes", "Movie,Episode,Audio,AudioBook,Book")
	params.Set("Limit", "50")

	var resp jellyfinItemsResponse
	if err := e.doJSONRequest(ctx, "/Items", params, &resp); err != nil {
		return nil, fmt.Errorf("emby search request failed: %w", err)
	}

	items := make([]models.ItemInfo, 0, len(resp.Items))
	for i := range resp.Items {
		items = append(items, *embyItemToInfo(&resp.Items[i]))
	}
	return items, nil
}

func (e *EmbySource) doJSONRequest(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := e.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Emby-Token", e.apiKey)

	resp, err := e.httpClient.Do(req)
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
