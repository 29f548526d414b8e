package in

import (
	"context"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
)

// ConnectRequest registers a new mailbox (or replaces credentials of an existing one).
type ConnectRequest struct {
	UserID      string
	Email       string
	Provider    domain.ProviderKind
	Credentials domain.Credentials
	Sync        *domain.SyncPolicy
	AI          *domain.AIPolicy
}

// PollSummary is returned from a manual poll.
type PollSummary struct {
	Fetched    int `json:"fetched"`
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
	Responded  int `json:"responded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// MailboxService is the control surface over the sync pipeline.
type MailboxService interface {
	Connect(ctx context.Context, req *ConnectRequest) (*domain.Connection, error)
	Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error
	Pause(ctx context.Context, userID string, connectionID uuid.UUID) error
	Resume(ctx context.Context, userID string, connectionID uuid.UUID) error
	Reconnect(ctx context.Context, userID string, connectionID uuid.UUID) error
	PollNow(ctx context.Context, userID string, connectionID uuid.UUID) (*PollSummary, error)
	UpdateSyncPolicy(ctx context.Context, userID string, connectionID uuid.UUID, policy domain.SyncPolicy) error
	UpdateAIPolicy(ctx context.Context, userID string, connectionID uuid.UUID, policy domain.AIPolicy) error
	ListConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error)
	Monitoring(ctx context.Context, userID string) (*domain.MonitoringSnapshot, error)
}
