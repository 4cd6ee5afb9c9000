package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsSecretKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core)

	log.With("component", "generator").Info("calling", "api_key", "sk-123", "model", "m1", "Authorization", "Bearer x")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["api_key"] != "[REDACTED]" || fields["Authorization"] != "[REDACTED]" {
		t.Fatalf("secrets not redacted: %v", fields)
	}
	if fields["model"] != "m1" || fields["component"] != "generator" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestOddKeyValues(t *testing.T) {
	got := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	if len(got) != 3 || got[2] != "dangling" {
		t.Fatalf("unexpected kvs: %v", got)
	}
}

func TestNop(t *testing.T) {
	Nop().Info("nothing", "k", "v")
}
