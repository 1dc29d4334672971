package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"designsync/internal/config"
)

func TestDsyncHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "sync started",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tsync started\n",
		},
		{
			name:    "warn level",
			runID:   "run-456",
			level:   slog.LevelWarn,
			message: "intent failed",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tintent failed\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "design created",
			attrs:   []slog.Attr{slog.String("id", "abc"), slog.Int("version", 2)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\tdesign created\tid=abc\tversion=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &dsyncHandler{w: &buf, runID: tt.runID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestDsyncHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &dsyncHandler{w: &buf, runID: "run-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "devserver")}).(*dsyncHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "request", 0)
	r.AddAttrs(slog.String("path", "/records"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=devserver") || !strings.Contains(got, "path=/records") {
		t.Errorf("Handle() output = %q, want pre-set and record attrs", got)
	}
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
}

func TestDsyncHandler_Enabled(t *testing.T) {
	t.Run("nil level enables everything", func(t *testing.T) {
		h := &dsyncHandler{}
		if !h.Enabled(context.Background(), slog.LevelDebug) {
			t.Error("Enabled(DEBUG) = false, want true")
		}
	})

	t.Run("filters below the configured level", func(t *testing.T) {
		h := &dsyncHandler{level: slog.LevelWarn}
		if h.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Enabled(INFO) = true, want false")
		}
		if !h.Enabled(context.Background(), slog.LevelError) {
			t.Error("Enabled(ERROR) = false, want true")
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "test-run", config.LogConfig{Level: "info", MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("hidden")
	logger.Info("visible", "k", "v")

	data, err := os.ReadFile(filepath.Join(dir, "dsync.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "hidden") {
		t.Errorf("log file contains debug line: %q", got)
	}
	if !strings.Contains(got, "\tINFO\ttest-run\tvisible\tk=v\n") {
		t.Errorf("log file = %q, want info line", got)
	}

	if _, _, err := newLogger(dir, "x", config.LogConfig{Level: "loud"}); err == nil {
		t.Error("newLogger() expected error for unknown level")
	}
}
