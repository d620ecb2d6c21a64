package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger_JSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "trade_id", "t1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "shown" || entry["trade_id"] != "t1" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "bogus", "text").Info("hello", "user", "u1")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "user=u1") {
		t.Errorf("unexpected text output %q", buf.String())
	}
}

func TestInitTracing_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing("broker-test", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, span := Tracer().Start(context.Background(), "test.span")
	EndSpan(span, errors.New("boom"))

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "test.span") || !strings.Contains(out, "boom") {
		t.Errorf("expected span with error in exporter output, got %q", out)
	}
}
