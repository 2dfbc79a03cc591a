package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	return NewWithHandler(h), &buf
}

func TestModuleAttribute(t *testing.T) {
	l, buf := captureLogger(slog.LevelInfo)
	l.Module("vault").Info("deposit accepted", "assets", 100)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if rec["module"] != "vault" {
		t.Fatalf("expected module=vault, got %v", rec["module"])
	}
	if rec["msg"] != "deposit accepted" {
		t.Fatalf("unexpected msg: %v", rec["msg"])
	}
}

func TestWithContext(t *testing.T) {
	l, buf := captureLogger(slog.LevelInfo)
	l.With("nonce", 7).Info("rewards updated")

	if !strings.Contains(buf.String(), `"nonce":7`) {
		t.Fatalf("expected nonce attribute in output, got %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := captureLogger(slog.LevelWarn)
	l.Debug("should not appear")
	l.Info("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn level, got %s", buf.String())
	}
	l.Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("expected warn output")
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	// Must not panic and must report disabled at info level.
	l.Info("dropped")
	if l.Enabled(slog.LevelInfo) {
		t.Fatal("discard logger should not be enabled at info level")
	}
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	l, buf := captureLogger(slog.LevelInfo)
	SetDefault(l)
	Info("via package function")
	if buf.Len() == 0 {
		t.Fatal("expected default logger to receive record")
	}

	// SetDefault(nil) must keep the current default.
	SetDefault(nil)
	if Default() != l {
		t.Fatal("SetDefault(nil) must not clear the default logger")
	}
}
