package in

import (
	"context"
	"errors"
	"time"

	"mailpilot_worker/core/domain"
)

var (
	// ErrPollHalted returned from a PollFunc stops that connection's schedule.
	ErrPollHalted = errors.New("poll halted")
	// ErrPollBusy means a poll for the connection is already in flight.
	ErrPollBusy = errors.New("poll already in flight")
	// ErrNotScheduled means the connection has no active schedule.
	ErrNotScheduled = errors.New("connection not scheduled")
)

// PollFunc runs one poll cycle for a connection.
type PollFunc func(ctx context.Context, key domain.ConnectionKey) error

type TaskState string

const (
	TaskStopped   TaskState = "stopped"
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
)

// PollScheduler drives recurring polls with at most one in flight per connection.
type PollScheduler interface {
	Schedule(key domain.ConnectionKey, interval time.Duration)
	TriggerNow(ctx context.Context, key domain.ConnectionKey) error
	// Cancel stops the schedule and waits for an in-flight poll. It must not
	// be called from inside the PollFunc; return ErrPollHalted there instead.
	Cancel(key domain.ConnectionKey)
	State(key domain.ConnectionKey) TaskState
}
