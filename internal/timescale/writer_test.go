package timescale

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"basis-vault-bot/internal/config"
)

func TestDisabledConfigReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("disabled writer must not error: %v", err)
	}
	if w != nil {
		t.Fatalf("disabled writer must be nil")
	}
}

func TestEnabledWithoutDSNErrors(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestNilWriterMethodsAreSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.Enqueue(StrategySnapshot{Time: time.Now()})
	if err := w.Close(); err != nil {
		t.Fatalf("nil close failed: %v", err)
	}
}

func TestTableNamesAreSchemaQualified(t *testing.T) {
	w := &Writer{schema: "metrics"}
	if got := w.table("strategy_snapshots"); got != "metrics.strategy_snapshots" {
		t.Fatalf("table = %s, want metrics.strategy_snapshots", got)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	w := &Writer{
		log:       zap.NewNop(),
		snapshots: make(chan StrategySnapshot, 1),
	}
	w.Enqueue(StrategySnapshot{Status: "IDLE"})
	w.Enqueue(StrategySnapshot{Status: "IDLE"})
	if got := w.dropped.Load(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	// The buffered snapshot is still intact.
	select {
	case snap := <-w.snapshots:
		if snap.Status != "IDLE" {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	default:
		t.Fatalf("expected one buffered snapshot")
	}
}
