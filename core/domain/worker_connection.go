package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies the mailbox backend of a connection.
type ProviderKind string

const (
	ProviderGmail    ProviderKind = "gmail"
	ProviderOutlook  ProviderKind = "outlook"
	ProviderIMAPSMTP ProviderKind = "imap_smtp"
)

// Providers lists every supported backend.
var Providers = []ProviderKind{ProviderGmail, ProviderOutlook, ProviderIMAPSMTP}

func (p ProviderKind) Valid() bool {
	for _, k := range Providers {
		if k == p {
			return true
		}
	}
	return false
}

// IsOAuth reports whether the provider authenticates with OAuth token bundles.
func (p ProviderKind) IsOAuth() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusActive       ConnectionStatus = "active"
	StatusPaused       ConnectionStatus = "paused"
	StatusError        ConnectionStatus = "error"
)

type AIMode string

const (
	AIModeDisabled AIMode = "disabled"
	AIModeDraft    AIMode = "draft"
	AIModeAutoSend AIMode = "auto_send"
)

func (m AIMode) Valid() bool {
	return m == AIModeDisabled || m == AIModeDraft || m == AIModeAutoSend
}

// ConnectionKey identifies a connection: one per (user, mailbox address).
type ConnectionKey struct {
	UserID string
	Email  string
}

// NewConnectionKey normalizes the address so lookups are case-insensitive.
func NewConnectionKey(userID, email string) ConnectionKey {
	return ConnectionKey{UserID: userID, Email: strings.ToLower(strings.TrimSpace(email))}
}

func (k ConnectionKey) String() string {
	return k.UserID + "/" + k.Email
}

// Credentials is the secret bundle needed to reach a mailbox.
// OAuth providers use the token fields; IMAP/SMTP uses the host fields.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	// SMTPStartTLS upgrades a plain connection; false means implicit TLS.
	SMTPStartTLS bool `json:"smtp_starttls,omitempty"`
}

type SyncPolicy struct {
	Enabled      bool          `json:"enabled"`
	Folders      []string      `json:"folders"`
	PollInterval time.Duration `json:"poll_interval"`
	MarkAsRead   bool          `json:"mark_as_read"`
}

// DefaultSyncPolicy polls the inbox every interval and leaves messages unread.
func DefaultSyncPolicy(interval time.Duration) SyncPolicy {
	return SyncPolicy{
		Enabled:      true,
		Folders:      []string{"INBOX"},
		PollInterval: interval,
	}
}

type AIPolicy struct {
	Enabled      bool     `json:"enabled"`
	Mode         AIMode   `json:"mode"`
	BlockList    []string `json:"block_list,omitempty"`
	AllowList    []string `json:"allow_list,omitempty"`
	VoiceProfile string   `json:"voice_profile,omitempty"`
	Signature    string   `json:"signature,omitempty"`
}

// Active reports whether replies may be generated at all.
func (p AIPolicy) Active() bool {
	return p.Enabled && (p.Mode == AIModeDraft || p.Mode == AIModeAutoSend)
}

func (p AIPolicy) Validate() error {
	if p.Mode != "" && !p.Mode.Valid() {
		return fmt.Errorf("unknown ai mode %q", p.Mode)
	}
	return nil
}

type ConnectionError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type ConnectionStats struct {
	MessagesSeen  int64 `json:"messages_seen"`
	ResponsesSent int64 `json:"responses_sent"`
	DraftsCreated int64 `json:"drafts_created"`
}

// Connection is a user's link to one external mailbox.
type Connection struct {
	ID          uuid.UUID        `json:"id"`
	UserID      string           `json:"user_id"`
	Email       string           `json:"email"`
	Provider    ProviderKind     `json:"provider"`
	Credentials Credentials      `json:"-"`
	Sync        SyncPolicy       `json:"sync_policy"`
	AI          AIPolicy         `json:"ai_policy"`
	Status      ConnectionStatus `json:"status"`
	LastError   *ConnectionError `json:"last_error,omitempty"`
	LastSyncAt  *time.Time       `json:"last_sync_at,omitempty"`
	Stats       ConnectionStats  `json:"stats"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (c *Connection) Key() ConnectionKey {
	return NewConnectionKey(c.UserID, c.Email)
}

var (
	ErrInvalidEmail    = errors.New("invalid mailbox address")
	ErrInvalidProvider = errors.New("unsupported provider")
	ErrMissingCreds    = errors.New("missing credentials")
)

// Validate checks the fields required before a connection is registered.
func (c *Connection) Validate() error {
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if !strings.Contains(c.Email, "@") {
		return ErrInvalidEmail
	}
	if !c.Provider.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidProvider, c.Provider)
	}
	switch {
	case c.Provider.IsOAuth():
		if c.Credentials.AccessToken == "" && c.Credentials.RefreshToken == "" {
			return ErrMissingCreds
		}
	default:
		if c.Credentials.Username == "" || c.Credentials.Password == "" || c.Credentials.IMAPHost == "" {
			return ErrMissingCreds
		}
	}
	return c.AI.Validate()
}

// ConnectionSummary is the listing view of a connection.
type ConnectionSummary struct {
	ID         uuid.UUID        `json:"id"`
	Email      string           `json:"email"`
	Provider   ProviderKind     `json:"provider"`
	Status     ConnectionStatus `json:"status"`
	Live       bool             `json:"live"`
	LastSyncAt *time.Time       `json:"last_sync_at,omitempty"`
	LastError  *ConnectionError `json:"last_error,omitempty"`
	Stats      ConnectionStats  `json:"stats"`
	AIMode     AIMode           `json:"ai_mode"`
}

func (c *Connection) Summary(live bool) ConnectionSummary {
	mode := c.AI.Mode
	if !c.AI.Enabled {
		mode = AIModeDisabled
	}
	return ConnectionSummary{
		ID:         c.ID,
		Email:      c.Email,
		Provider:   c.Provider,
		Status:     c.Status,
		Live:       live,
		LastSyncAt: c.LastSyncAt,
		LastError:  c.LastError,
		Stats:      c.Stats,
		AIMode:     mode,
	}
}

type ConnectionEventType string

const (
	EventConnected    ConnectionEventType = "connected"
	EventDisconnected ConnectionEventType = "disconnected"
	EventError        ConnectionEventType = "error"
)

// ConnectionEvent is broadcast when a live session appears, goes away or fails.
type ConnectionEvent struct {
	Type         ConnectionEventType `json:"type"`
	ConnectionID uuid.UUID           `json:"connection_id"`
	UserID       string              `json:"user_id"`
	Email        string              `json:"email"`
	Provider     ProviderKind        `json:"provider"`
	Reason       string              `json:"reason,omitempty"`
	At           time.Time           `json:"at"`
}
