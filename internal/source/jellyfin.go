// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

/*
jellyfin.go - Jellyfin Server Adapter

Jellyfin reports active playback through GET /Sessions. Positions and
durations arrive as ticks (100ns units) and are converted to seconds at
the adapter boundary so nothing downstream ever sees ticks.

Jellyfin delivers reliable stop signals (a stopped session simply loses
its NowPlayingItem or disappears), so the adapter does not run the
liveness heuristic. Transient API failures are instead tolerated by the
engine's grace window before a missing session is closed.
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

// ticksPerSecond converts Jellyfin/Emby ticks (100ns) to seconds.
const ticksPerSecond = 10_000_000

// jellyfinSession is one entry of GET /Sessions. Sessions without a
// NowPlayingItem are idle clients and are skipped.
type jellyfinSession struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceName     string `json:"DeviceName"`
	RemoteEndPoint string `json:"RemoteEndPoint"`

	NowPlayingItem *jellyfinItem `json:"NowPlayingItem,omitempty"`

	PlayState *struct {
		PositionTicks int64  `json:"PositionTicks"`
		IsPaused      bool   `json:"IsPaused"`
		PlayMethod    string `json:"PlayMethod"` // DirectPlay, DirectStream, Transcode
	} `json:"PlayState,omitempty"`

	TranscodingInfo *struct {
		VideoCodec string `json:"VideoCodec"`
		AudioCodec string `json:"AudioCodec"`
		Bitrate    int64  `json:"Bitrate"`
	} `json:"TranscodingInfo,omitempty"`
}

// jellyfinItem is the library item shape shared by session payloads and
// item queries.
type jellyfinItem struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"` // Movie, Episode, Audio, AudioBook, Book
	SeriesName     string            `json:"SeriesName,omitempty"`
	SeasonName     string            `json:"SeasonName,omitempty"`
	Album          string            `json:"Album,omitempty"`
	AlbumArtist    string            `json:"AlbumArtist,omitempty"`
	ProductionYear int               `json:"ProductionYear,omitempty"`
	RunTimeTicks   int64             `json:"RunTimeTicks,omitempty"`
	ImageTags      map[string]string `json:"ImageTags,omitempty"`
}

type jellyfinItemsResponse struct {
	Items            []jellyfinItem `json:"Items"`
	TotalRecordCount int            `json:"TotalRecordCount"`
}

// JellyfinSource adapts a Jellyfin server to the Source contract.
type JellyfinSource struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client

	ws *jellyfinWebSocket
}

var _ PushSource = (*JellyfinSource)(nil)

// NewJellyfinSource creates a Jellyfin adapter.
func NewJellyfinSource(name, baseURL, apiKey string) *JellyfinSource {
	if name == "" {
		name = "jellyfin"
	}
	return &JellyfinSource{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the configured instance name.
func (j *JellyfinSource) Name() string { return j.name }

// Type returns "jellyfin".
func (j *JellyfinSource) Type() string { return "jellyfin" }

// GetActiveStreams polls /Sessions and normalizes every session that is
// currently playing something.
func (j *JellyfinSource) GetActiveStreams(ctx context.Context) ([]models.Activity, error) {
	var sessions []jellyfinSession
	if err := j.doJSONRequest(ctx, "/Sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("jellyfin sessions request failed: %w", err)
	}

	activities := make([]models.Activity, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		if s.NowPlayingItem == nil {
			continue
		}
		activities = append(activities, j.normalize(s))
	}
	return activities, nil
}

func (j *JellyfinSource) normalize(s *jellyfinSession) models.Activity {
	item := s.NowPlayingItem

	a := models.Activity{
		SessionID:  s.ID,
		Source:     j.Type(),
		SourceName: j.name,
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
	}
	if item.RunTimeTicks > 0 && s.PlayState != nil {
		a.ProgressPercent = float64(s.PlayState.PositionTicks) / float64(item.RunTimeTicks) * 100
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
func (j *JellyfinSource) TestConnection(ctx context.Context) error {
	var info struct {
		ServerName string `json:"ServerName"`
		Version    string `json:"Version"`
	}
	if err := j.doJSONRequest(ctx, "/System/Info", nil, &info); err != nil {
		return fmt.Errorf("jellyfin connection test failed: %w", err)
	}
	return nil
}

// GetItemInfo fetches library metadata for an item id.
func (j *JellyfinSource) GetItemInfo(ctx context.Context, mediaID string) (*models.ItemInfo, error) {
	params := url.Values{}
	params.Set("ids", mediaID)

	var resp jellyfinItemsResponse
	if err := j.doJSONRequest(ctx, "/Items", params, &resp); err != nil {
		return nil, fmt.Errorf("jellyfin item request failed: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("jellyfin item %s not found", mediaID)
	}
	return embyItemToInfo(&resp.Items[0]), nil
}

// SearchByTitle searches the library by title.
func (j *JellyfinSource) SearchByTitle(ctx context.Context, title string) ([]models.ItemInfo, error) {
	params := url.Values{}
	params.Set("searchTerm", title)
	params.Set("recursive", "true")
	params.Set("includeItemTypes", "Movie,Episode,Audio,AudioBook,Book")
	params.Set("limit", "50")

	var resp jellyfinItemsResponse
	if err := j.doJSONRequest(ctx, "/Items", params, &resp); err != nil {
		return nil, fmt.Errorf("jellyfin search request failed: %w", err)
	}

	items := make([]models.ItemInfo, 0, len(resp.Items))
	for i := range resp.Items {
		items = append(items, *embyItemToInfo(&resp.Items[i]))
	}
	return items, nil
}

func embyItemToInfo(item *jellyfinItem) *models.ItemInfo {
	info := &models.ItemInfo{
		MediaID:   item.ID,
		MediaType: normalizeEmbyType(item.Type),
		Title:     item.Name,
		Duration:  item.RunTimeTicks / ticksPerSecond,
	}
	if item.ProductionYear > 0 {
		y := item.ProductionYear
		info.Year = &y
	}
	if tag, ok := item.ImageTags["Primary"]; ok {
		thumb := fmt.Sprintf("/Items/%s/Images/Primary?tag=%s", item.ID, tag)
		info.Thumb = &thumb
	}
	return info
}

// normalizeEmbyType maps the Jellyfin/Emby item type vocabulary onto the
// engine's media types.
func normalizeEmbyType(itemType string) string {
	switch itemType {
	case "Movie":
		return "movie"
	case "Episode":
		return "episode"
	case "Audio":
		return "track"
	case "AudioBook":
		return "audiobook"
	case "Book":
		return "book"
	default:
		return strings.ToLower(itemType)
	}
}

func (j *JellyfinSource) doJSONRequest(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := j.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf(`MediaBrowser Token="%s", Client="Chronicle"`, j.apiKey))

	resp, err := j.httpClient.Do(req)
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
