// Package ingest turns provider messages into stored InboundMessages,
// skipping anything already seen.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

// Result is the outcome of one batch. Errors never abort the batch.
type Result struct {
	New        []*domain.InboundMessage
	Duplicates int
	Errors     []error
}

type Service struct {
	messages out.MessageRepository
	now      func() time.Time
}

func NewService(messages out.MessageRepository) *Service {
	return &Service{messages: messages, now: time.Now}
}

// Ingest stores every message not seen before for this mailbox. The caller
// must hold the connection's poll slot; the existence check and insert are
// not atomic across concurrent polls of the same mailbox.
func (s *Service) Ingest(ctx context.Context, conn *domain.Connection, batch []out.ProviderMessage) *Result {
	res := &Result{}
	log := logger.WithField("connection", conn.ID.String())
	mailbox := strings.ToLower(conn.Email)

	for i := range batch {
		pm := &batch[i]
		if pm.ProviderMessageID == "" {
			res.Errors = append(res.Errors, out.ProtocolError(string(conn.Provider), "message without provider id", nil))
			continue
		}

		exists, err := s.messages.Exists(ctx, conn.Provider, mailbox, pm.ProviderMessageID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("check %s: %w", pm.ProviderMessageID, err))
			continue
		}
		if exists {
			res.Duplicates++
			continue
		}

		msg, err := s.toInbound(conn, mailbox, pm)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}

		inserted, err := s.messages.InsertIfAbsent(ctx, msg)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("store %s: %w", pm.ProviderMessageID, err))
			continue
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.New = append(res.New, msg)
	}

	if len(res.Errors) > 0 {
		log.Warn("[Ingest] %d new, %d duplicate, %d failed", len(res.New), res.Duplicates, len(res.Errors))
	} else if len(res.New) > 0 {
		log.Debug("[Ingest] %d new, %d duplicate", len(res.New), res.Duplicates)
	}
	return res
}

func (s *Service) toInbound(conn *domain.Connection, mailbox string, pm *out.ProviderMessage) (*domain.InboundMessage, error) {
	text := pm.BodyText
	if strings.TrimSpace(text) == "" && pm.BodyHTML != "" {
		rendered, err := htmlToText(pm.BodyHTML)
		if err != nil {
			return nil, out.ProtocolError(string(conn.Provider), "unreadable html body "+pm.ProviderMessageID, err)
		}
		text = rendered
	}

	folder := pm.Folder
	if folder == "" {
		folder = "INBOX"
	}
	received := pm.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}

	return &domain.InboundMessage{
		ID:                uuid.New(),
		ConnectionID:      conn.ID,
		UserID:            conn.UserID,
		Provider:          conn.Provider,
		Mailbox:           mailbox,
		ProviderMessageID: pm.ProviderMessageID,
		ThreadID:          pm.ThreadID,
		MessageIDHeader:   pm.MessageIDHeader,
		References:        pm.References,
		From:              pm.From,
		To:                pm.To,
		Cc:                pm.Cc,
		Subject:           pm.Subject,
		BodyText:          text,
		BodyHTML:          pm.BodyHTML,
		Folder:            folder,
		Attachments:       pm.Attachments,
		ReceivedAt:        received,
		AutoSubmitted:     pm.AutoSubmitted,
		CreatedAt:         s.now(),
	}, nil
}
