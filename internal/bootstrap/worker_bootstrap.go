package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"mailpilot_worker/adapter/in/worker"
	"mailpilot_worker/adapter/out/messaging"
	"mailpilot_worker/config"
	"mailpilot_worker/pkg/logger"
)

const commandGroup = "mailpilot-workers"

// Worker runs the background side of the pipeline: the poll scheduler, the
// staleness watcher and, when Redis is configured, the command stream.
type Worker struct {
	deps     *Dependencies
	commands *worker.CommandPool
	consumer *messaging.Consumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	zlog   zerolog.Logger
}

func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Redis != nil {
		w.commands = worker.NewCommandPool(deps.Mailbox, worker.CommandPoolConfig{
			Workers:        cfg.CommandWorkers,
			CommandTimeout: cfg.CommandTimeout,
		}, zlog)
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:    commandGroup,
			Consumer: cfg.WorkerID,
			Streams:  []string{messaging.StreamCommands},
			Handler:  w.commands,
			Logger:   zlog,
		})
		logger.Info("command stream configured (group=%s consumer=%s)", commandGroup, cfg.WorkerID)
	} else {
		logger.Warn("Redis not available, commands are accepted over HTTP only")
	}
	return w
}

// Start restores persisted connections and starts the background loops.
// It returns once everything is running.
func (w *Worker) Start(ctx context.Context) error {
	w.deps.Scheduler.Start()
	w.deps.StaleWatcher.Start()

	restored, err := w.deps.Mailbox.RestoreAll(ctx)
	if err != nil {
		w.zlog.Error().Err(err).Msg("restore failed")
	} else {
		w.zlog.Info().Int("connections", restored).Msg("connections restored")
	}

	if w.commands != nil {
		if err := w.commands.Start(w.ctx); err != nil {
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("starting command stream consumer")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("command stream consumer stopped")
			}
		}()
	}
	return nil
}

// Stop halts intake first, then drains in-flight work and closes sessions.
func (w *Worker) Stop(ctx context.Context) {
	w.cancel()
	w.wg.Wait()

	if w.commands != nil {
		if err := w.commands.Stop(ctx); err != nil {
			w.zlog.Warn().Err(err).Msg("command pool stop")
		}
		stats := w.commands.Stats()
		w.zlog.Info().
			Int64("succeeded", stats.Succeeded).
			Int64("failed", stats.Failed).
			Int64("rejected", stats.Rejected).
			Msg("command pool stopped")
	}

	w.deps.StaleWatcher.Stop()
	w.deps.Scheduler.Stop()
	w.deps.Notifier.Flush()
	w.deps.Registry.CloseAll()

	if w.deps.LLM != nil {
		costs := w.deps.LLM.Costs().Stats()
		w.zlog.Info().
			Int64("requests", costs.RequestCount).
			Int64("tokens", costs.TotalTokens).
			Float64("cost_usd", costs.TotalCost).
			Msg("llm usage")
	}
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
