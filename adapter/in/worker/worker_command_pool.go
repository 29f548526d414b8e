package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"mailpilot_worker/core/port/in"
)

type CommandPoolConfig struct {
	Workers        int
	WorkerChanSize int
	CommandTimeout time.Duration
}

func DefaultCommandPoolConfig() CommandPoolConfig {
	return CommandPoolConfig{
		Workers:        4,
		WorkerChanSize: 64,
		CommandTimeout: 2 * time.Minute,
	}
}

// CommandStats counts commands by outcome.
type CommandStats struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// CommandPool executes control commands against the mailbox service on a
// bounded go-pkgz/pool worker group. Malformed payloads are dropped at
// Handle time; execution errors are logged.
type CommandPool struct {
	svc    in.MailboxService
	config CommandPoolConfig
	log    zerolog.Logger

	mu      sync.Mutex
	group   *pool.WorkerGroup[*Command]
	started bool

	submitted atomic.Int64
	rejected  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func NewCommandPool(svc in.MailboxService, config CommandPoolConfig, log zerolog.Logger) *CommandPool {
	def := DefaultCommandPoolConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = def.WorkerChanSize
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = def.CommandTimeout
	}
	return &CommandPool{
		svc:    svc,
		config: config,
		log:    log.With().Str("component", "command_pool").Logger(),
	}
}

type commandWorker struct {
	p *CommandPool
}

func (w *commandWorker) Do(ctx context.Context, cmd *Command) error {
	w.p.execute(ctx, cmd)
	// errors are counted and logged, never fatal to the group
	return nil
}

func (p *CommandPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	// batch size 1 so a lone command is not held back waiting for a batch
	p.group = pool.New[*Command](p.config.Workers, &commandWorker{p: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()
	if err := p.group.Go(ctx); err != nil {
		return err
	}
	p.started = true
	p.log.Info().Int("workers", p.config.Workers).Msg("command pool started")
	return nil
}

// Stop drains queued commands and waits for running ones.
func (p *CommandPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	group := p.group
	p.mu.Unlock()

	err := group.Close(ctx)
	p.log.Info().
		Int64("succeeded", p.succeeded.Load()).
		Int64("failed", p.failed.Load()).
		Msg("command pool stopped")
	return err
}

// Handle decodes a command stream entry and queues it. A malformed payload
// is rejected without error so the entry is acknowledged rather than
// retried forever.
func (p *CommandPool) Handle(_ context.Context, stream string, data []byte) error {
	cmd, err := DecodeCommand(data)
	if err != nil {
		p.rejected.Add(1)
		p.log.Warn().Err(err).Str("stream", stream).Msg("dropping malformed command")
		return nil
	}
	p.Submit(cmd)
	return nil
}

// Submit queues a command; it reports false when the pool is not running.
func (p *CommandPool) Submit(cmd *Command) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.rejected.Add(1)
		return false
	}
	p.submitted.Add(1)
	p.group.Submit(cmd)
	return true
}

func (p *CommandPool) Stats() CommandStats {
	return CommandStats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *CommandPool) execute(ctx context.Context, cmd *Command) {
	ctx, cancel := context.WithTimeout(ctx, p.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch cmd.Action {
	case CommandPoll:
		_, err = p.svc.PollNow(ctx, cmd.UserID, cmd.ConnectionID)
	case CommandPause:
		err = p.svc.Pause(ctx, cmd.UserID, cmd.ConnectionID)
	case CommandResume:
		err = p.svc.Resume(ctx, cmd.UserID, cmd.ConnectionID)
	case CommandReconnect:
		err = p.svc.Reconnect(ctx, cmd.UserID, cmd.ConnectionID)
	case CommandDisconnect:
		err = p.svc.Disconnect(ctx, cmd.UserID, cmd.ConnectionID)
	}

	ev := p.log.Info()
	if err != nil {
		p.failed.Add(1)
		ev = p.log.Warn().Err(err)
	} else {
		p.succeeded.Add(1)
	}
	ev.Str("action", string(cmd.Action)).
		Str("connection", cmd.ConnectionID.String()).
		Dur("took", time.Since(start)).
		Msg("command executed")
}
