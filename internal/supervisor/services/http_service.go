// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package services wraps Chronicle's long-running components as suture
// services.
package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronicle-media/chronicle/internal/logging"
)

// HTTPService serves the observability endpoints: Prometheus metrics
// and the live session websocket. It restarts under supervision like
// any other service.
type HTTPService struct {
	addr string
	hub  http.Handler // nil disables /ws
}

// NewHTTPService creates the service. hub may be nil.
func NewHTTPService(addr string, hub http.Handler) *HTTPService {
	if addr == "" {
		addr = ":9090"
	}
	return &HTTPService{addr: addr, hub: hub}
}

// Serve runs the listener until the context ends. It satisfies
// suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.Info().Str("addr", s.addr).Msg("Observability endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String names the service in supervisor logs.
func (s *HTTPService) String() string {
	return "http-service"
}
