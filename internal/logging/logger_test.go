// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	old := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(old)

	Info().Str("source", "plex").Int("sessions", 3).Msg("Cycle complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["source"] != "plex" || entry["message"] != "Cycle complete" {
		t.Errorf("entry = %v", entry)
	}
	if entry["sessions"] != float64(3) {
		t.Errorf("sessions = %v, want 3", entry["sessions"])
	}
}

func TestErrHelper(t *testing.T) {
	var buf bytes.Buffer
	old := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(old)

	Err(errors.New("adapter down")).Msg("Poll failed")

	if !strings.Contains(buf.String(), "adapter down") {
		t.Errorf("expected error in output: %s", buf.String())
	}
}

func TestSlogHandlerBridgesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	old := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(old)

	logger := NewSlogLogger()
	logger.Info("supervisor event", slog.String("service", "monitor"), slog.Int("restarts", 2))

	out := buf.String()
	var entry map[string]any
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("bridge output is not JSON: %v: %s", err, out)
	}
	if entry["message"] != "supervisor event" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["service"] != "monitor" {
		t.Errorf("service attr = %v, want monitor", entry["service"])
	}
}

func TestSlogHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	old := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(old)

	logger := NewSlogLogger().With(slog.String("layer", "engine"))
	logger.Warn("restarting")

	if !strings.Contains(buf.String(), `"layer":"engine"`) {
		t.Errorf("expected bound attr in output: %s", buf.String())
	}
}
