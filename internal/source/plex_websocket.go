// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/chronicle-media/chronicle/internal/logging"
)

const (
	plexWSPath           = "/:/websockets/notifications"
	plexWSReadDeadline   = 90 * time.Second
	plexWSPingInterval   = 30 * time.Second
	plexWSReconnectBase  = 5 * time.Second
	plexWSReconnectLimit = 5 * time.Minute
)

// plexNotification is the envelope of every message on the Plex
// notification websocket. Only the "playing" container type matters here.
type plexNotification struct {
	NotificationContainer struct {
		Type string `json:"type"`

		PlaySessionStateNotification []struct {
			SessionKey string `json:"sessionKey"`
			RatingKey  string `json:"ratingKey"`
			State      string `json:"state"` // playing, paused, buffering, stopped
			ViewOffset int64  `json:"viewOffset"`
		} `json:"PlaySessionStateNotification,omitempty"`
	} `json:"NotificationContainer"`
}

// plexWebSocket maintains the notification feed for one Plex server. A
// dropped connection reconnects with exponential backoff; the feed is a
// hint channel only, so a gap never loses state.
type plexWebSocket struct {
	source   *PlexSource
	handler  func(PushEvent)
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// SubscribeLiveEvents connects to the Plex notification websocket and
// forwards play-state notifications to handler.
func (p *PlexSource) SubscribeLiveEvents(ctx context.Context, handler func(PushEvent)) error {
	if p.ws != nil {
		return fmt.Errorf("plex source %s already subscribed", p.name)
	}

	wsCtx, cancel := context.WithCancel(ctx)
	ws := &plexWebSocket{
		source:  p,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.ws = ws

	go ws.run(wsCtx)
	return nil
}

// UnsubscribeLiveEvents stops the notification feed and waits for the
// reader goroutine to exit.
func (p *PlexSource) UnsubscribeLiveEvents() {
	if p.ws == nil {
		return
	}
	p.ws.stop()
	p.ws = nil
}

func (w *plexWebSocket) stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *plexWebSocket) run(ctx context.Context) {
	defer close(w.done)

	backoff := plexWSReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		logging.Warn().
			Str("source", w.source.name).
			Err(err).
			Dur("retry_in", backoff).
			Msg("Plex websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > plexWSReconnectLimit {
			backoff = plexWSReconnectLimit
		}
	}
}

// connectAndRead holds one websocket connection until it fails or the
// context ends.
func (w *plexWebSocket) connectAndRead(ctx context.Context) error {
	wsURL, err := w.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	logging.Info().Str("source", w.source.name).Msg("Plex websocket connected")

	// Close the connection when the context ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(plexWSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(plexWSReadDeadline))
	})

	go w.pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		w.handleMessage(data)
	}
}

func (w *plexWebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(plexWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (w *plexWebSocket) handleMessage(data []byte) {
	var n plexNotification
	if err := json.Unmarshal(data, &n); err != nil {
		logging.Debug().Str("source", w.source.name).Err(err).Msg("Unparseable Plex notification")
		return
	}
	if n.NotificationContainer.Type != "playing" {
		return
	}

	for _, s := range n.NotificationContainer.PlaySessionStateNotification {
		if s.SessionKey == "" {
			continue
		}

		kind := "progress"
		switch s.State {
		case "playing", "buffering":
			w.source.liveness.MarkPush(s.SessionKey)
		case "paused":
			// A pause is a real user action: refresh liveness once, then
			// let the inactivity threshold take over.
			w.source.liveness.MarkPush(s.SessionKey)
		case "stopped":
			kind = "stop"
		}

		w.handler(PushEvent{
			Source:    w.source.Type(),
			SessionID: s.SessionKey,
			Kind:      kind,
			At:        time.Now(),
		})
	}
}

// wsURL derives the websocket endpoint from the configured base URL.
func (w *plexWebSocket) wsURL() (string, error) {
	u, err := url.Parse(w.source.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + plexWSPath
	q := u.Query()
	q.Set("X-Plex-Token", w.source.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
