package main

import (
	"context"
	"testing"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFanOut_DropsOnFullConsumer(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	in := make(chan core.CoreOutput)
	fast := make(chan core.CoreOutput, 4)
	full := make(chan core.CoreOutput) // never read

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fanOut(ctx, in, metrics, fast, full) }()

	for i := int64(1); i <= 3; i++ {
		in <- core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: i}}
	}
	for i := int64(1); i <= 3; i++ {
		select {
		case out := <-fast:
			if out.Envelope.Sequence != i {
				t.Fatalf("expected sequence %d, got %d", i, out.Envelope.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatal("fan-out stalled")
		}
	}
	cancel()
	<-done

	if got := promtest.ToFloat64(metrics.PublishDrops); got != 3 {
		t.Errorf("expected 3 drops, got %v", got)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PERP_GENESIS_TIME", "1800000000")
	t.Setenv("PERP_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("PERP_CHECKPOINT_INTERVAL", "not-a-number")

	cfg := LoadConfig()
	if cfg.GenesisTime != 1_800_000_000 {
		t.Errorf("genesis time: got %d", cfg.GenesisTime)
	}
	if cfg.PersistFlushTimeout != 25*time.Millisecond {
		t.Errorf("flush timeout: got %s", cfg.PersistFlushTimeout)
	}
	if cfg.CheckpointInterval != 10_000 {
		t.Errorf("bad value should fall back to the default, got %d", cfg.CheckpointInterval)
	}
}
