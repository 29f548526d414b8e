package domain

import (
	"time"

	"github.com/google/uuid"
)

// ResponseOutcome records what the responder did for one message. Written once.
type ResponseOutcome struct {
	ID           uuid.UUID `json:"id" db:"id"`
	MessageID    uuid.UUID `json:"message_id" db:"message_id"`
	ConnectionID uuid.UUID `json:"connection_id" db:"connection_id"`
	Generated    bool      `json:"generated" db:"generated"`
	Sent         bool      `json:"sent" db:"sent"`
	Drafted      bool      `json:"drafted" db:"drafted"`
	ReplyText    string    `json:"reply_text" db:"reply_text"`
	ProviderRef  string    `json:"provider_ref,omitempty" db:"provider_ref"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type FailureKind string

const (
	FailureGeneration FailureKind = "generation"
	FailureSend       FailureKind = "send"
)

// ResponseFailure is kept apart from outcomes so outcomes stay immutable.
type ResponseFailure struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	MessageID    uuid.UUID   `json:"message_id" db:"message_id"`
	ConnectionID uuid.UUID   `json:"connection_id" db:"connection_id"`
	Kind         FailureKind `json:"kind" db:"kind"`
	Error        string      `json:"error" db:"error"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// SentRecord is an auto-sent reply kept in the mailbox's sent history.
type SentRecord struct {
	ConnectionID uuid.UUID `json:"connection_id" bson:"connection_id"`
	UserID       string    `json:"user_id" bson:"user_id"`
	MessageID    uuid.UUID `json:"message_id" bson:"message_id"`
	ProviderRef  string    `json:"provider_ref" bson:"provider_ref"`
	To           string    `json:"to" bson:"to"`
	Subject      string    `json:"subject" bson:"subject"`
	Body         string    `json:"body" bson:"body"`
	SentAt       time.Time `json:"sent_at" bson:"sent_at"`
}
