package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/pkg/logger"
)

// StaleHalter stops polling connections without a recent successful poll and
// returns their ids.
type StaleHalter interface {
	HaltStale(ctx context.Context) []uuid.UUID
}

// StalenessWatcher periodically halts stalled connections.
type StalenessWatcher struct {
	checker       StaleHalter
	checkInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	once          sync.Once
}

func NewStalenessWatcher(checker StaleHalter, interval time.Duration) *StalenessWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StalenessWatcher{
		checker:       checker,
		checkInterval: interval,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

func (w *StalenessWatcher) Start() {
	logger.Info("[StalenessWatcher] Starting with interval %v", w.checkInterval)
	go w.run()
}

// Stop cancels the loop and waits for an in-flight check to finish.
func (w *StalenessWatcher) Stop() {
	w.once.Do(func() {
		logger.Info("[StalenessWatcher] Stopping...")
		w.cancel()
	})
	<-w.done
}

func (w *StalenessWatcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			logger.Info("[StalenessWatcher] Stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *StalenessWatcher) check() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	if stalled := w.checker.HaltStale(ctx); len(stalled) > 0 {
		logger.Warn("[StalenessWatcher] %d connection(s) stalled and halted", len(stalled))
	}
}
