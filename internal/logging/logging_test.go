package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug to be disabled by default")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("trade transitioned", "tradeId", "trd_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["tradeId"] != "trd_1" {
		t.Errorf("Expected tradeId attribute, got %v", rec["tradeId"])
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestEnsureLogger(t *testing.T) {
	fallback := Discard()
	ctx := EnsureLogger(context.Background(), fallback)
	if FromContext(ctx) != fallback {
		t.Error("Expected fallback logger on a bare context")
	}

	request := New("debug", "json")
	ctx = EnsureLogger(WithLogger(context.Background(), request), fallback)
	if FromContext(ctx) != request {
		t.Error("Expected the request logger to win over the fallback")
	}

	if got := EnsureLogger(context.Background(), nil); FromContext(got) != slog.Default() {
		t.Error("Expected a nil fallback to leave the context alone")
	}
}

func TestL_AddsRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithActor(ctx, "usr_buyer")

	L(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-456") {
		t.Errorf("missing request id in %q", out)
	}
	if !strings.Contains(out, "actorId=usr_buyer") {
		t.Errorf("missing actor in %q", out)
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		// TextHandler with io.Discard still reports enabled; just make sure it does not panic.
		Discard().Error("dropped")
	}
}
