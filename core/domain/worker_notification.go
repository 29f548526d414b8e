package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyConnectionError     NotificationKind = "connection_error"
	NotifyConnectionStalled   NotificationKind = "connection_stalled"
	NotifyConnectionRecovered NotificationKind = "connection_recovered"
	NotifyUrgentMessage       NotificationKind = "new_urgent_message"
	NotifyResponseSent        NotificationKind = "response_sent"
	NotifyDraftCreated        NotificationKind = "draft_created"
)

// Notification is a user-visible record.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// Alert is an operator-facing side-channel message.
type Alert struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Health       Health    `json:"health"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}
