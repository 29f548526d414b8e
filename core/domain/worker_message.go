package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Domain returns the lower-cased part after '@'.
func (a Address) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(a.Email[at+1:])
}

type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// InboundMessage is a message pulled from a provider. ProviderMessageID is
// unique within (provider, mailbox).
type InboundMessage struct {
	ID                uuid.UUID      `json:"id"`
	ConnectionID      uuid.UUID      `json:"connection_id"`
	UserID            string         `json:"user_id"`
	Provider          ProviderKind   `json:"provider"`
	Mailbox           string         `json:"mailbox"`
	ProviderMessageID string         `json:"provider_message_id"`
	ThreadID          string         `json:"thread_id,omitempty"`
	MessageIDHeader   string         `json:"message_id_header,omitempty"`
	References        []string       `json:"references,omitempty"`
	From              Address        `json:"from"`
	To                []Address      `json:"to,omitempty"`
	Cc                []Address      `json:"cc,omitempty"`
	Subject           string         `json:"subject"`
	BodyText          string         `json:"body_text,omitempty"`
	BodyHTML          string         `json:"body_html,omitempty"`
	Folder            string         `json:"folder"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
	AutoSubmitted     bool           `json:"auto_submitted,omitempty"`
	Classification    Classification `json:"classification"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DedupKey is the identity used to skip re-ingest.
func (m *InboundMessage) DedupKey() string {
	return string(m.Provider) + ":" + strings.ToLower(m.Mailbox) + ":" + m.ProviderMessageID
}
