package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
	"mailpilot_worker/pkg/logger"
)

// =============================================================================
// PollScheduler - per-connection recurring polls
// =============================================================================
//
// Each connection has one task: stopped -> scheduled -> running -> scheduled.
// A one-slot channel guards the poll so a timer firing during a manual poll
// is a no-op. The next fire is armed when a poll completes, not when it
// starts, so slow polls never stack up.

type pollTask struct {
	key       domain.ConnectionKey
	interval  time.Duration
	slot      chan struct{}
	timer     *time.Timer
	state     in.TaskState
	cancelled bool
}

type PollScheduler struct {
	mu           sync.Mutex
	tasks        map[domain.ConnectionKey]*pollTask
	poll         in.PollFunc
	initialDelay time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	log          *logger.Logger
}

// NewPollScheduler creates a scheduler. initialDelay is the wait before the
// first fire of a newly scheduled connection.
func NewPollScheduler(poll in.PollFunc, initialDelay time.Duration) *PollScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &PollScheduler{
		tasks:        make(map[domain.ConnectionKey]*pollTask),
		poll:         poll,
		initialDelay: initialDelay,
		ctx:          ctx,
		cancel:       cancel,
		log:          logger.WithField("component", "poll_scheduler"),
	}
}

// SetPollFunc swaps the poll function; used when wiring cyclic dependencies.
func (s *PollScheduler) SetPollFunc(poll in.PollFunc) {
	s.mu.Lock()
	s.poll = poll
	s.mu.Unlock()
}

// Start logs readiness; tasks arm themselves as they are scheduled.
func (s *PollScheduler) Start() {
	s.log.Info("[PollScheduler] Starting")
}

// Stop cancels every task and waits for in-flight polls.
func (s *PollScheduler) Stop() {
	s.log.Info("[PollScheduler] Stopping...")
	s.cancel()

	s.mu.Lock()
	tasks := make([]*pollTask, 0, len(s.tasks))
	for k, t := range s.tasks {
		t.cancelled = true
		t.state = in.TaskStopped
		if t.timer != nil {
			t.timer.Stop()
		}
		tasks = append(tasks, t)
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.slot <- struct{}{}
		<-t.slot
	}
	s.log.Info("[PollScheduler] Stopped")
}

// Schedule arms a recurring poll. Calling it again updates the interval.
func (s *PollScheduler) Schedule(key domain.ConnectionKey, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	if t, ok := s.tasks[key]; ok {
		t.interval = interval
		if t.state == in.TaskScheduled {
			s.armLocked(t, interval)
		}
		return
	}

	t := &pollTask{
		key:      key,
		interval: interval,
		slot:     make(chan struct{}, 1),
		state:    in.TaskScheduled,
	}
	s.tasks[key] = t
	s.armLocked(t, s.initialDelay)
	s.log.WithField("connection", key.String()).Debug("[PollScheduler] scheduled every %v", interval)
}

// TriggerNow polls immediately, bypassing the timer.
func (s *PollScheduler) TriggerNow(ctx context.Context, key domain.ConnectionKey) error {
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return in.ErrNotScheduled
	}
	return s.run(ctx, t)
}

// Cancel removes the task and waits for an in-flight poll. Idempotent.
func (s *PollScheduler) Cancel(key domain.ConnectionKey) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	t.cancelled = true
	t.state = in.TaskStopped
	if t.timer != nil {
		t.timer.Stop()
	}
	s.mu.Unlock()

	t.slot <- struct{}{}
	<-t.slot
	s.log.WithField("connection", key.String()).Debug("[PollScheduler] cancelled")
}

func (s *PollScheduler) State(key domain.ConnectionKey) in.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return t.state
	}
	return in.TaskStopped
}

// Len returns the number of scheduled connections.
func (s *PollScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *PollScheduler) armLocked(t *pollTask, delay time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })
}

func (s *PollScheduler) fire(t *pollTask) {
	if s.ctx.Err() != nil {
		return
	}
	err := s.run(s.ctx, t)
	if err != nil && !errors.Is(err, in.ErrPollBusy) && !errors.Is(err, in.ErrPollHalted) {
		s.log.WithField("connection", t.key.String()).WithError(err).Debug("[PollScheduler] poll returned error")
	}
}

func (s *PollScheduler) run(ctx context.Context, t *pollTask) error {
	select {
	case t.slot <- struct{}{}:
	default:
		return in.ErrPollBusy
	}
	defer func() { <-t.slot }()

	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return in.ErrNotScheduled
	}
	t.state = in.TaskRunning
	poll := s.poll
	s.mu.Unlock()

	err := poll(ctx, t.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case t.cancelled:
		t.state = in.TaskStopped
	case errors.Is(err, in.ErrPollHalted):
		t.cancelled = true
		t.state = in.TaskStopped
		if t.timer != nil {
			t.timer.Stop()
		}
		if cur, ok := s.tasks[t.key]; ok && cur == t {
			delete(s.tasks, t.key)
		}
		s.log.WithField("connection", t.key.String()).Info("[PollScheduler] schedule halted")
	default:
		t.state = in.TaskScheduled
		s.armLocked(t, t.interval)
	}
	return err
}
