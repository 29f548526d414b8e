package out

import (
	"context"

	"mailpilot_worker/core/domain"
)

// EventPublisher fans connection events out to other processes.
type EventPublisher interface {
	PublishConnectionEvent(ctx context.Context, evt *domain.ConnectionEvent) error
	PublishPollReport(ctx context.Context, report *PollReport) error
}

// PollReport summarizes one completed poll cycle.
type PollReport struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Fetched      int    `json:"fetched"`
	Ingested     int    `json:"ingested"`
	Duplicates   int    `json:"duplicates"`
	Responded    int    `json:"responded"`
	Failed       int    `json:"failed"`
	DurationMS   int64  `json:"duration_ms"`
}

// AlertSink delivers operator alerts (webhook, chat bot, ...).
type AlertSink interface {
	Name() string
	SendAlert(ctx context.Context, alert *domain.Alert) error
}
