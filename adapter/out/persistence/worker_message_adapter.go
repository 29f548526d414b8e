package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// MessageAdapter implements out.MessageRepository. The unique index on
// (provider, mailbox, provider_message_id) is the dedup guard.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

type messageRow struct {
	ID                uuid.UUID      `db:"id"`
	ConnectionID      uuid.UUID      `db:"connection_id"`
	UserID            string         `db:"user_id"`
	Provider          string         `db:"provider"`
	Mailbox           string         `db:"mailbox"`
	ProviderMessageID string         `db:"provider_message_id"`
	ThreadID          string         `db:"thread_id"`
	MessageIDHeader   string         `db:"message_id_header"`
	Refs              sql.NullString `db:"refs"`
	FromName          string         `db:"from_name"`
	FromEmail         string         `db:"from_email"`
	To                sql.NullString `db:"to_addrs"`
	Cc                sql.NullString `db:"cc_addrs"`
	Subject           string         `db:"subject"`
	BodyText          string         `db:"body_text"`
	BodyHTML          string         `db:"body_html"`
	Folder            string         `db:"folder"`
	Attachments       sql.NullString `db:"attachments"`
	ReceivedAt        time.Time      `db:"received_at"`
	Category          string         `db:"category"`
	Priority          string         `db:"priority"`
	Sentiment         string         `db:"sentiment"`
	ActionItems       sql.NullString `db:"action_items"`
	ResponseRequired  bool           `db:"response_required"`
	CreatedAt         time.Time      `db:"created_at"`
}

// jsonColumn encodes a slice for a nullable TEXT column.
func jsonColumn[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func fromJSONColumn[T any](col sql.NullString) []T {
	if !col.Valid || col.String == "" {
		return nil
	}
	var v []T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil
	}
	return v
}

func newMessageRow(m *domain.InboundMessage) (*messageRow, error) {
	row := &messageRow{
		ID:                m.ID,
		ConnectionID:      m.ConnectionID,
		UserID:            m.UserID,
		Provider:          string(m.Provider),
		Mailbox:           strings.ToLower(m.Mailbox),
		ProviderMessageID: m.ProviderMessageID,
		ThreadID:          m.ThreadID,
		MessageIDHeader:   m.MessageIDHeader,
		FromName:          m.From.Name,
		FromEmail:         m.From.Email,
		Subject:           m.Subject,
		BodyText:          m.BodyText,
		BodyHTML:          m.BodyHTML,
		Folder:            m.Folder,
		ReceivedAt:        m.ReceivedAt.UTC(),
		Category:          string(m.Classification.Category),
		Priority:          string(m.Classification.Priority),
		Sentiment:         string(m.Classification.Sentiment),
		ResponseRequired:  m.Classification.ResponseRequired,
		CreatedAt:         m.CreatedAt.UTC(),
	}
	var err error
	if row.Refs, err = jsonColumn(m.References); err != nil {
		return nil, err
	}
	if row.To, err = jsonColumn(m.To); err != nil {
		return nil, err
	}
	if row.Cc, err = jsonColumn(m.Cc); err != nil {
		return nil, err
	}
	if row.Attachments, err = jsonColumn(m.Attachments); err != nil {
		return nil, err
	}
	if row.ActionItems, err = jsonColumn(m.Classification.ActionItems); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *messageRow) toDomain() *domain.InboundMessage {
	return &domain.InboundMessage{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		UserID:            r.UserID,
		Provider:          domain.ProviderKind(r.Provider),
		Mailbox:           r.Mailbox,
		ProviderMessageID: r.ProviderMessageID,
		ThreadID:          r.ThreadID,
		MessageIDHeader:   r.MessageIDHeader,
		References:        fromJSONColumn[string](r.Refs),
		From:              domain.Address{Name: r.FromName, Email: r.FromEmail},
		To:                fromJSONColumn[domain.Address](r.To),
		Cc:                fromJSONColumn[domain.Address](r.Cc),
		Subject:           r.Subject,
		BodyText:          r.BodyText,
		BodyHTML:          r.BodyHTML,
		Folder:            r.Folder,
		Attachments:       fromJSONColumn[domain.Attachment](r.Attachments),
		ReceivedAt:        r.ReceivedAt,
		Classification: domain.Classification{
			Category:         domain.Category(r.Category),
			Priority:         domain.Priority(r.Priority),
			Sentiment:        domain.Sentiment(r.Sentiment),
			ActionItems:      fromJSONColumn[string](r.ActionItems),
			ResponseRequired: r.ResponseRequired,
		},
		CreatedAt: r.CreatedAt,
	}
}

const messageColumns = `id, connection_id, user_id, provider, mailbox, provider_message_id, thread_id,
	message_id_header, refs, from_name, from_email, to_addrs, cc_addrs, subject, body_text, body_html,
	folder, attachments, received_at, category, priority, sentiment, action_items, response_required, created_at`

func (a *MessageAdapter) Exists(ctx context.Context, provider domain.ProviderKind, mailbox, providerMessageID string) (bool, error) {
	var n int
	err := a.db.GetContext(ctx, &n, a.db.Rebind(`
		SELECT COUNT(1) FROM inbound_messages
		WHERE provider = ? AND mailbox = ? AND provider_message_id = ?`),
		string(provider), strings.ToLower(mailbox), providerMessageID)
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (a *MessageAdapter) InsertIfAbsent(ctx context.Context, msg *domain.InboundMessage) (bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	row, err := newMessageRow(msg)
	if err != nil {
		return false, err
	}
	res, err := a.db.NamedExecContext(ctx, `
		INSERT INTO inbound_messages (`+messageColumns+`)
		VALUES (:id, :connection_id, :user_id, :provider, :mailbox, :provider_message_id, :thread_id,
			:message_id_header, :refs, :from_name, :from_email, :to_addrs, :cc_addrs, :subject, :body_text,
			:body_html, :folder, :attachments, :received_at, :category, :priority, :sentiment, :action_items,
			:response_required, :created_at)
		ON CONFLICT (provider, mailbox, provider_message_id) DO NOTHING`, row)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *MessageAdapter) UpdateClassification(ctx context.Context, id uuid.UUID, c domain.Classification) error {
	items, err := jsonColumn(c.ActionItems)
	if err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, a.db.Rebind(`
		UPDATE inbound_messages
		SET category = ?, priority = ?, sentiment = ?, action_items = ?, response_required = ?
		WHERE id = ?`),
		string(c.Category), string(c.Priority), string(c.Sentiment), items, c.ResponseRequired, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrNotFound
	}
	return nil
}

// ListByConnection returns the most recently received messages first.
func (a *MessageAdapter) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.InboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []messageRow
	err := a.db.SelectContext(ctx, &rows, a.db.Rebind(`
		SELECT `+messageColumns+` FROM inbound_messages
		WHERE connection_id = ?
		ORDER BY received_at DESC
		LIMIT ?`), connectionID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	res := make([]*domain.InboundMessage, 0, len(rows))
	for i := range rows {
		res = append(res, rows[i].toDomain())
	}
	return res, nil
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
