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
	jellyfinWSPath          = "/socket"
	jellyfinWSReadDeadline  = 90 * time.Second
	jellyfinWSKeepAlive     = 30 * time.Second
	jellyfinWSReconnectBase = 5 * time.Second
	jellyfinWSReconnectMax  = 5 * time.Minute
	jellyfinWSDeviceID      = "chronicle"
)

// jellyfinWSMessage is the generic envelope on the Jellyfin socket. Data
// stays raw because each MessageType carries a different shape.
type jellyfinWSMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

// jellyfinWebSocket maintains the session event feed for one Jellyfin
// server. After connecting it sends SessionsStart so the server streams
// session snapshots on every play-state change.
type jellyfinWebSocket struct {
	source   *JellyfinSource
	handler  func(PushEvent)
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// SubscribeLiveEvents connects to the Jellyfin websocket and forwards
// session updates to handler.
func (j *JellyfinSource) SubscribeLiveEvents(ctx context.Context, handler func(PushEvent)) error {
	if j.ws != nil {
		return fmt.Errorf("jellyfin source %s already subscribed", j.name)
	}

	wsCtx, cancel := context.WithCancel(ctx)
	ws := &jellyfinWebSocket{
		source:  j,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	j.ws = ws

	go ws.run(wsCtx)
	return nil
}

// UnsubscribeLiveEvents stops the event feed and waits for the reader
// goroutine to exit.
func (j *JellyfinSource) UnsubscribeLiveEvents() {
	if j.ws == nil {
		return
	}
	j.ws.stop()
	j.ws = nil
}

func (w *jellyfinWebSocket) stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *jellyfinWebSocket) run(ctx context.Context) {
	defer close(w.done)

	backoff := jellyfinWSReconnectBase
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
			Msg("Jellyfin websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > jellyfinWSReconnectMax {
			backoff = jellyfinWSReconnectMax
		}
	}
}

func (w *jellyfinWebSocket) connectAndRead(ctx context.Context) error {
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

	// Ask the server to stream session snapshots. "0,1500" means start
	// immediately and refresh at most every 1.5s.
	start := jellyfinWSMessage{MessageType: "SessionsStart", Data: json.RawMessage(`"0,1500"`)}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("failed to start session feed: %w", err)
	}

	logging.Info().Str("source", w.source.name).Msg("Jellyfin websocket connected")

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(jellyfinWSReadDeadline))

	go w.keepAliveLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(jellyfinWSReadDeadline))
		w.handleMessage(conn, data)
	}
}

func (w *jellyfinWebSocket) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(jellyfinWSKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(jellyfinWSMessage{MessageType: "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (w *jellyfinWebSocket) handleMessage(conn *websocket.Conn, data []byte) {
	var msg jellyfinWSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Debug().Str("source", w.source.name).Err(err).Msg("Unparseable Jellyfin message")
		return
	}

	switch msg.MessageType {
	case "ForceKeepAlive":
		_ = conn.WriteJSON(jellyfinWSMessage{MessageType: "KeepAlive"})
	case "Sessions":
		w.handleSessions(msg.Data)
	case "KeepAlive":
		// Acknowledged, nothing to do.
	}
}

// handleSessions turns a session snapshot into push hints. The snapshot
// itself is discarded; the poll remains the single source of state.
func (w *jellyfinWebSocket) handleSessions(data json.RawMessage) {
	var sessions []jellyfinSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		logging.Debug().Str("source", w.source.name).Err(err).Msg("Unparseable Jellyfin sessions payload")
		return
	}

	for i := range sessions {
		s := &sessions[i]
		if s.NowPlayingItem == nil {
			continue
		}
		w.handler(PushEvent{
			Source:    w.source.Type(),
			SessionID: s.ID,
			Kind:      "progress",
			At:        time.Now(),
		})
	}
}

func (w *jellyfinWebSocket) wsURL() (string, error) {
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
	u.Path = strings.TrimSuffix(u.Path, "/") + jellyfinWSPath
	q := u.Query()
	q.Set("api_key", w.source.apiKey)
	q.Set("deviceId", jellyfinWSDeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
