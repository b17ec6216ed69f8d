package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithRequestID(ctx, "req-456")

	log.WithContext(ctx).Info("order accepted")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "engine" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["requestID"] != "req-456" {
		t.Fatalf("expected requestID to be injected, got %v", payload["requestID"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["level"] != "info" {
		t.Fatalf("expected level to be info, got %v", payload["level"])
	}
	if payload["message"] != "order accepted" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestDebugRespectsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	log := New("engine", &buf)

	// 默认 info 级，debug 被丢弃
	log.Debug("noise")
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("expected debug to be dropped, got %s", buf.String())
	}

	t.Setenv("LOG_LEVEL", "debug")
	var buf2 bytes.Buffer
	log2 := New("engine", &buf2)
	log2.Debug("verbose")
	if payload := decodeLastLogLine(t, &buf2); payload["level"] != "debug" {
		t.Fatalf("expected level debug, got %v", payload["level"])
	}
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.WithComponent("book").Infof("depth updated", map[string]interface{}{
		"asset": "TOKA",
		"bids":  3,
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["component"] != "book" {
		t.Fatalf("expected component book, got %v", payload["component"])
	}
	if payload["asset"] != "TOKA" {
		t.Fatalf("expected asset field, got %v", payload["asset"])
	}
	if payload["bids"] != float64(3) {
		t.Fatalf("expected bids field, got %v", payload["bids"])
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.WithError(errors.New("boom")).Error("settle failed")

	payload := decodeLastLogLine(t, &buf)
	if payload["error"] != "boom" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
	if payload["level"] != "error" {
		t.Fatalf("expected level error, got %v", payload["level"])
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-x")
	ctx = ContextWithRequestID(ctx, "req-y")

	if got := TraceIDFromContext(ctx); got != "trace-x" {
		t.Fatalf("expected trace id trace-x, got %q", got)
	}
	if got := RequestIDFromContext(ctx); got != "req-y" {
		t.Fatalf("expected request id req-y, got %q", got)
	}
	if got := TraceIDFromContext(nil); got != "" {
		t.Fatalf("expected empty trace id for nil context, got %q", got)
	}
}

func TestNewWithNilWriter(t *testing.T) {
	log := New("engine", nil)
	if log == nil {
		t.Fatal("expected logger instance")
	}
}
