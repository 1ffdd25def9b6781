// ABOUTME: Tests for the thread-gateway command helpers
// ABOUTME: Covers config path resolution, sweep flags, URL redaction and console logging

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/2389/thread-gateway/internal/config"
	"github.com/2389/thread-gateway/internal/logbuffer"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("THREAD_GATEWAY_CONFIG", "/etc/tg.yaml")
	path, explicit := getConfigPath()
	if path != "/etc/tg.yaml" || !explicit {
		t.Errorf("getConfigPath() = %q, %v", path, explicit)
	}

	t.Setenv("THREAD_GATEWAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	path, explicit = getConfigPath()
	if path != filepath.Join("/xdg", "thread-gateway", "gateway.yaml") || explicit {
		t.Errorf("getConfigPath() = %q, %v", path, explicit)
	}
}

func TestParseSweepArgs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	args, err := parseSweepArgs([]string{"--unused-from", "2024-05-01T00:00:00Z"}, now)
	if err != nil {
		t.Fatalf("parseSweepArgs error = %v", err)
	}
	if want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC); !args.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", args.cutoff, want)
	}

	args, err = parseSweepArgs([]string{"--max-idle", "48h"}, now)
	if err != nil {
		t.Fatalf("parseSweepArgs error = %v", err)
	}
	if want := now.Add(-48 * time.Hour); !args.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", args.cutoff, want)
	}

	bad := [][]string{
		nil,
		{"--unused-from", "yesterday"},
		{"--unused-from", "2024-05-01", "--max-idle", "1h"},
		{"--max-idle", "-1h"},
	}
	for _, a := range bad {
		if _, err := parseSweepArgs(a, now); err == nil {
			t.Errorf("parseSweepArgs(%v) expected error", a)
		}
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"postgresql://app:secret@db:5432/links": "postgresql://app:***@db:5432/links",
		"postgresql://app@db/links":             "postgresql://app@db/links",
		"sqlite:///data/links.db":               "sqlite:///data/links.db",
		"dynamodb://links":                      "dynamodb://links",
		"links.db":                              "links.db",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHealthHost(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8000":   "127.0.0.1:8000",
		":8000":          "127.0.0.1:8000",
		"10.0.0.5:9000":  "10.0.0.5:9000",
		"localhost:8000": "localhost:8000",
	}
	for in, want := range tests {
		if got := healthHost(in); got != want {
			t.Errorf("healthHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	logger := slog.New(newColorHandler(&out, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("conversation_id", "c1").WithGroup("run").Info("dispatched", "thread_id", "t1")

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug record should be filtered: %q", got)
	}
	if !strings.Contains(got, "INF dispatched conversation_id=c1 run.thread_id=t1") {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestSetupLogger_DebugCapturesBuffer(t *testing.T) {
	logs := logbuffer.New(0)

	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, true, logs)
	logger.Debug("captured")
	if logs.Len() != 1 {
		t.Fatalf("buffer has %d lines, want 1", logs.Len())
	}

	logs = logbuffer.New(0)
	logger = setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, false, logs)
	logger.Info("not captured")
	if logs.Len() != 0 {
		t.Errorf("buffer should stay empty outside debug mode, has %d lines", logs.Len())
	}

	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be enabled")
	}
}
