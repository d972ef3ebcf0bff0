package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	Component(logger, "build").Info("batch committed", slog.Int(FieldTrack, 1))
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "batch committed" || entry[FieldComponent] != "build" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["source"]; ok {
		t.Fatalf("info level should not carry source: %v", entry)
	}
}

func TestConsoleDebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("tokenized")
	out := buf.String()
	if !strings.Contains(out, "msg=tokenized") || !strings.Contains(out, ".go:") {
		t.Fatalf("unexpected console output %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("non-terminal output should not be colored: %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextLogger(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger without a stored one")
	}
	logger := NewNop()
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("expected stored logger")
	}
}

func TestColorLevel(t *testing.T) {
	a := colorLevel(nil, slog.Any(slog.LevelKey, slog.LevelError))
	if !strings.HasPrefix(a.Value.String(), ansiRed) {
		t.Fatalf("expected red error level, got %q", a.Value.String())
	}
	other := colorLevel(nil, slog.String("msg", "x"))
	if other.Value.String() != "x" {
		t.Fatalf("non-level attr changed: %q", other.Value.String())
	}
}
