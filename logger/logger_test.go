package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnRecordsComponentCounter(t *testing.T) {
	log := Logger()
	log.SetOutput(discard{})

	before := atomic.LoadInt64(&warnsStream)
	log.WithComponent("binance_stream").Warn("test warning")
	if after := atomic.LoadInt64(&warnsStream); after != before+1 {
		t.Fatalf("expected stream warn counter to increment, before=%d after=%d", before, after)
	}
}

func TestStreamCounters(t *testing.T) {
	IncrementStreamEvent("btcusdt@markPrice", 128)
	v, ok := streams.Load("btcusdt@markPrice")
	if !ok {
		t.Fatalf("stream stat not recorded")
	}
	cs := v.(*streamStat)
	if atomic.LoadInt64(&cs.messages) < 1 || atomic.LoadInt64(&cs.bytes) < 128 {
		t.Fatalf("unexpected stream stat: messages=%d bytes=%d", cs.messages, cs.bytes)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
