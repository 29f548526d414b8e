package domain

import (
	"time"

	"github.com/google/uuid"
)

type Health string

const (
	HealthInitializing Health = "initializing"
	HealthHealthy      Health = "healthy"
	HealthWarning      Health = "warning"
	HealthError        Health = "error"
	HealthStalled      Health = "stalled"
)

// Severity orders health states for aggregation; higher is worse.
func (h Health) Severity() int {
	switch h {
	case HealthHealthy:
		return 1
	case HealthWarning:
		return 2
	case HealthStalled:
		return 3
	case HealthError:
		return 4
	default:
		return 0
	}
}

type PollEventKind string

const (
	PollSuccess   PollEventKind = "success"
	PollTransient PollEventKind = "transient"
	PollAuth      PollEventKind = "auth"
	PollProtocol  PollEventKind = "protocol"
	PollStale     PollEventKind = "stale"
)

type PollEvent struct {
	Kind     PollEventKind `json:"kind" bson:"kind"`
	Message  string        `json:"message,omitempty" bson:"message,omitempty"`
	Messages int           `json:"messages,omitempty" bson:"messages,omitempty"`
	At       time.Time     `json:"at" bson:"at"`
}

type HealthTransition struct {
	From   Health    `json:"from" bson:"from"`
	To     Health    `json:"to" bson:"to"`
	Reason string    `json:"reason" bson:"reason"`
	At     time.Time `json:"at" bson:"at"`
}

// MonitoringRecord tracks the health of one connection. History slices are
// most-recent-first and capped.
type MonitoringRecord struct {
	ConnectionID         uuid.UUID          `json:"connection_id" bson:"connection_id"`
	UserID               string             `json:"user_id" bson:"user_id"`
	Email                string             `json:"email" bson:"email"`
	Health               Health             `json:"health" bson:"health"`
	SuccessCount         int64              `json:"success_count" bson:"success_count"`
	WarningCount         int64              `json:"warning_count" bson:"warning_count"`
	ErrorCount           int64              `json:"error_count" bson:"error_count"`
	ConsecutiveTransient int                `json:"consecutive_transient" bson:"consecutive_transient"`
	LastSuccessAt        *time.Time         `json:"last_success_at,omitempty" bson:"last_success_at,omitempty"`
	StartedAt            time.Time          `json:"started_at" bson:"started_at"`
	Events               []PollEvent        `json:"events" bson:"events"`
	Transitions          []HealthTransition `json:"transitions" bson:"transitions"`
}

// Clone returns a copy whose slices can be handed out safely.
func (r *MonitoringRecord) Clone() *MonitoringRecord {
	c := *r
	c.Events = append([]PollEvent(nil), r.Events...)
	c.Transitions = append([]HealthTransition(nil), r.Transitions...)
	if r.LastSuccessAt != nil {
		t := *r.LastSuccessAt
		c.LastSuccessAt = &t
	}
	return &c
}

// MonitoringSnapshot is the aggregate view across connections.
type MonitoringSnapshot struct {
	Overall     Health              `json:"overall"`
	Connections []*MonitoringRecord `json:"connections"`
}
