package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func contextFields(entry observer.LoggedEntry) map[string]interface{} {
	fields := map[string]interface{}{}
	for _, field := range entry.Context {
		fields[field.Key] = field.Interface
		if field.Type == zapcore.StringType {
			fields[field.Key] = field.String
		}
		if field.Type == zapcore.Uint64Type {
			fields[field.Key] = field.Integer
		}
	}
	return fields
}

func TestStartDetectionAddsLogFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger = zap.New(core)
	sugar = baseLogger.Sugar()
	current.Store(nil)

	SetSessionID("session-123")
	if got := StartDetection(4); got != 1 {
		t.Fatalf("expected first detection to be 1, got %d", got)
	}
	Infof("hello")

	logs := recorded.All()
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}

	fields := contextFields(logs[0])
	if fields["session_id"] != "session-123" {
		t.Fatalf("expected session_id to be session-123, got %v", fields["session_id"])
	}
	if fields["detection_id"] != int64(1) {
		t.Fatalf("expected detection_id to be 1, got %v", fields["detection_id"])
	}
	if fields["log_id"] != "session-123-1" {
		t.Fatalf("expected log_id to be session-123-1, got %v", fields["log_id"])
	}
	if fields["utterance"] != int64(4) {
		t.Fatalf("expected utterance 4, got %v", fields["utterance"])
	}
}

func TestSetSessionIDResetsDetections(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger = zap.New(core)
	sugar = baseLogger.Sugar()

	SetSessionID("first")
	StartDetection(1)
	StartDetection(2)
	SetSessionID("second")
	Warnf("after restart")

	fields := contextFields(recorded.All()[0])
	if fields["detection_id"] != int64(0) {
		t.Fatalf("expected detection_id to reset, got %v", fields["detection_id"])
	}
	if fields["session_id"] != "second" {
		t.Fatalf("expected session_id second, got %v", fields["session_id"])
	}
	if _, ok := fields["utterance"]; ok {
		t.Fatalf("utterance is only logged once a trigger was detected")
	}
}

func TestNoSessionFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger = zap.New(core)
	sugar = baseLogger.Sugar()
	current.Store(nil)

	Infof("before any session")

	fields := contextFields(recorded.All()[0])
	if fields["session_id"] != "no-session" || fields["log_id"] != "no-session-0" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	if err := Init(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if err := Init(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	if NewSessionID() == NewSessionID() {
		t.Fatalf("expected distinct session ids")
	}
}
