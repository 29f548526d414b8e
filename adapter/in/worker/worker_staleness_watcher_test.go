package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) HaltStale(ctx context.Context) []uuid.UUID {
	c.calls.Add(1)
	return []uuid.UUID{uuid.New()}
}

func TestStalenessWatcherTicks(t *testing.T) {
	checker := &countingChecker{}
	w := NewStalenessWatcher(checker, 10*time.Millisecond)
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for checker.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if got := checker.calls.Load(); got < 2 {
		t.Fatalf("expected at least 2 checks, got %d", got)
	}

	after := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if checker.calls.Load() != after {
		t.Fatal("watcher kept running after Stop")
	}
	w.Stop()
}
