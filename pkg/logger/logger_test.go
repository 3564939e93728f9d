// Copyright 2025 Kandra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		err      bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  info  ", slog.LevelInfo, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.err {
				if err == nil {
					t.Errorf("expected error for input %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("expected level %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestTextHandler_Simple(t *testing.T) {
	var buf bytes.Buffer
	h := &textHandler{level: slog.LevelInfo, writer: &buf}
	log := slog.New(h)

	log.Info("job created", "job_id", "a1b2c3d4")

	out := buf.String()
	if !strings.HasPrefix(out, "INFO job created") {
		t.Errorf("unexpected output prefix: %q", out)
	}
	if !strings.Contains(out, "job_id=a1b2c3d4") {
		t.Errorf("expected attribute in output, got %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("expected no ANSI codes for non-terminal writer, got %q", out)
	}
}

func TestTextHandler_Verbose(t *testing.T) {
	var buf bytes.Buffer
	h := &textHandler{level: slog.LevelInfo, writer: &buf, verbose: true}
	log := slog.New(h)

	log.Warn("phase stalled")

	out := buf.String()
	// Timestamp prefix like "2026/08/24 10:00:00 "
	if len(out) < 20 || out[4] != '/' || out[7] != '/' {
		t.Errorf("expected timestamp prefix, got %q", out)
	}
	if !strings.Contains(out, "WARN phase stalled") {
		t.Errorf("expected WARN tag (not WARNING), got %q", out)
	}
}

func TestTextHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	h := &textHandler{level: slog.LevelWarn, writer: &buf}
	log := slog.New(h)

	log.Info("ignored")
	log.Debug("ignored too")
	if buf.Len() != 0 {
		t.Errorf("expected records below level to be dropped, got %q", buf.String())
	}

	log.Error("kept")
	if !strings.Contains(buf.String(), "ERROR kept") {
		t.Errorf("expected error record, got %q", buf.String())
	}
}

func TestTextHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &textHandler{level: slog.LevelInfo, writer: &buf}
	log := slog.New(h).With("component", "executor")

	log.Info("step complete", "step", 3)

	out := buf.String()
	if !strings.Contains(out, "component=executor") {
		t.Errorf("expected bound attribute, got %q", out)
	}
	if !strings.Contains(out, "step=3") {
		t.Errorf("expected call attribute, got %q", out)
	}
}

func TestFilteringHandler_DropsUnknownCallers(t *testing.T) {
	var buf bytes.Buffer
	inner := &textHandler{level: slog.LevelInfo, writer: &buf}
	h := &filteringHandler{handler: inner, minLevel: slog.LevelInfo}

	// Records with no PC cannot be attributed and are suppressed at
	// non-debug levels.
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "third-party noise", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected record without PC to be dropped, got %q", buf.String())
	}
}

func TestFilteringHandler_DebugPassesEverything(t *testing.T) {
	var buf bytes.Buffer
	inner := &textHandler{level: slog.LevelDebug, writer: &buf}
	h := &filteringHandler{handler: inner, minLevel: slog.LevelDebug}

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "third-party noise", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected debug level to pass through all records")
	}
}

func TestOpenLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kandra.log")

	file, cleanup, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("failed to open log file: %v", err)
	}
	if _, err := file.WriteString("line\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if string(data) != "line\n" {
		t.Errorf("unexpected file contents: %q", string(data))
	}

	// Reopening appends rather than truncating.
	file, cleanup, err = OpenLogFile(path)
	if err != nil {
		t.Fatalf("failed to reopen log file: %v", err)
	}
	if _, err := file.WriteString("more\n"); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	cleanup()

	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if string(data) != "line\nmore\n" {
		t.Errorf("expected append semantics, got %q", string(data))
	}
}

func TestGetLogger_LazyInit(t *testing.T) {
	saved := defaultLogger
	defer func() { defaultLogger = saved }()

	defaultLogger = nil
	log := GetLogger()
	if log == nil {
		t.Fatal("expected lazy initialization to return a logger")
	}
	if GetLogger() != log {
		t.Error("expected the same logger on subsequent calls")
	}
}
