package out

import (
	"context"
	"time"

	"mailpilot_worker/core/domain"
)

// Session is a live, provider-specific handle to one mailbox. Adapters own
// what is inside it (token source, IMAP client, ...).
type Session interface {
	Provider() domain.ProviderKind
	Mailbox() string
	Close() error
}

// MailProvider is the capability set every mailbox backend implements.
type MailProvider interface {
	Kind() domain.ProviderKind

	// Verify performs a cheap credential check without opening a session.
	Verify(ctx context.Context, creds domain.Credentials) error

	// Open derives a session from a persisted connection.
	Open(ctx context.Context, conn *domain.Connection) (Session, error)

	// PollNew returns unseen messages from the policy's folders. Repeatable:
	// messages already returned may come back until marked read.
	PollNew(ctx context.Context, s Session, policy domain.SyncPolicy) ([]ProviderMessage, error)

	Send(ctx context.Context, s Session, msg *DraftSpec) (string, error)
	CreateDraft(ctx context.Context, s Session, msg *DraftSpec) (string, error)

	// MarkRead is best effort; callers log and continue on failure.
	MarkRead(ctx context.Context, s Session, providerMessageID string) error
}

// ProviderMessage is a message as the adapter fetched it, before ingest.
type ProviderMessage struct {
	ProviderMessageID string
	ThreadID          string
	MessageIDHeader   string
	References        []string
	From              domain.Address
	To                []domain.Address
	Cc                []domain.Address
	Subject           string
	BodyText          string
	BodyHTML          string
	Folder            string
	Attachments       []domain.Attachment
	ReceivedAt        time.Time

	// AutoSubmitted is set for auto-replies and bulk mail.
	AutoSubmitted bool
}

// DraftSpec is an outgoing reply.
type DraftSpec struct {
	From       domain.Address
	To         []domain.Address
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References []string
}

// TokenSaver persists refreshed OAuth tokens.
type TokenSaver interface {
	SaveCredentials(ctx context.Context, connectionID string, creds domain.Credentials) error
}
