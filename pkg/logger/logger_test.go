package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestNewJSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "debug", Format: "json", Output: &buf}).Named("chats")

	log.WithField("chat_id", "c1").Info("message appended")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "chats" {
		t.Fatalf("expected component field, got %v", entry)
	}
	if entry["chat_id"] != "c1" {
		t.Fatalf("expected chat_id field, got %v", entry)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "nonsense", Output: &buf})

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be suppressed at info level")
	}
	log.Info("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected info output")
	}
}

func TestFromContextAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Format: "json", Output: &buf})
	ctx := WithTraceID(context.Background(), "trace-1")

	log.FromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["trace_id"] != "trace-1" {
		t.Fatalf("expected trace_id, got %v", entry)
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("empty context should carry no trace id")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatalf("trace ids should be unique")
	}
}
