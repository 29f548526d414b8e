package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// ConnectionRepository persists connections with their encrypted credentials.
type ConnectionRepository interface {
	Upsert(ctx context.Context, conn *domain.Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Connection, error)
	GetByKey(ctx context.Context, key domain.ConnectionKey) (*domain.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error)
	ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastErr *domain.ConnectionError) error
	UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error
	UpdatePolicies(ctx context.Context, id uuid.UUID, sync domain.SyncPolicy, ai domain.AIPolicy) error
	// RecordSync stamps the last successful sync and adds to the counters.
	RecordSync(ctx context.Context, id uuid.UUID, at time.Time, delta domain.ConnectionStats) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageRepository stores ingested messages, unique by dedup key.
type MessageRepository interface {
	Exists(ctx context.Context, provider domain.ProviderKind, mailbox, providerMessageID string) (bool, error)
	// InsertIfAbsent returns false without error when the message is already stored.
	InsertIfAbsent(ctx context.Context, msg *domain.InboundMessage) (bool, error)
	UpdateClassification(ctx context.Context, id uuid.UUID, c domain.Classification) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.InboundMessage, error)
}

type OutcomeRepository interface {
	InsertOutcome(ctx context.Context, o *domain.ResponseOutcome) error
	InsertFailure(ctx context.Context, f *domain.ResponseFailure) error
	GetOutcome(ctx context.Context, messageID uuid.UUID) (*domain.ResponseOutcome, error)
	ListFailures(ctx context.Context, connectionID uuid.UUID) ([]*domain.ResponseFailure, error)
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Notification, error)
}

// SentHistoryRepository keeps auto-sent replies per mailbox.
type SentHistoryRepository interface {
	Record(ctx context.Context, rec *domain.SentRecord) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.SentRecord, error)
}

// MonitoringLogRepository persists health transitions and poll reports.
type MonitoringLogRepository interface {
	SaveSnapshot(ctx context.Context, rec *domain.MonitoringRecord) error
	AppendTransition(ctx context.Context, connectionID uuid.UUID, t domain.HealthTransition) error
}

// SenderHistoryStore remembers which categories a user's senders fell into.
type SenderHistoryStore interface {
	Get(ctx context.Context, userID, sender string) (*domain.SenderHistory, error)
	Record(ctx context.Context, userID, sender string, category domain.Category) error
}
