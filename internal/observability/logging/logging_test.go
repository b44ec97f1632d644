package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be filtered") {
		t.Fatalf("info line leaked through warn level: %q", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Fatalf("warn line missing: %q", output)
	}
}

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "hello" || record["key"] != "value" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "gate")
	logger.Info("hello")
	if !strings.Contains(buf.String(), `"component":"gate"`) {
		t.Fatalf("component field missing: %q", buf.String())
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc-123")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "abc-123" {
		t.Fatalf("RequestIDFromContext = %q, %v", id, ok)
	}

	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no request id")
	}
	if ctx := ContextWithRequestID(context.Background(), "  "); ctx != context.Background() {
		t.Fatalf("blank ids must not be stored")
	}
}

func TestWithContextAnnotatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	ctx := ContextWithRequestID(context.Background(), "req-9")
	WithContext(ctx, logger).Info("hello")
	if !strings.Contains(buf.String(), `"request_id":"req-9"`) {
		t.Fatalf("request_id missing: %q", buf.String())
	}
}
