package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

type NotificationAdapter struct {
	db *sqlx.DB
}

func NewNotificationAdapter(db *sqlx.DB) *NotificationAdapter {
	return &NotificationAdapter{db: db}
}

type notificationRow struct {
	ID        uuid.UUID      `db:"id"`
	UserID    string         `db:"user_id"`
	Kind      string         `db:"kind"`
	Title     string         `db:"title"`
	Message   string         `db:"message"`
	Metadata  sql.NullString `db:"metadata"`
	IsRead    bool           `db:"is_read"`
	CreatedAt time.Time      `db:"created_at"`
}

func (a *NotificationAdapter) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	row := notificationRow{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		Title:     n.Title,
		Message:   n.Message,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt.UTC(),
	}
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		row.Metadata = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, metadata, is_read, created_at)
		VALUES (:id, :user_id, :kind, :title, :message, :metadata, :is_read, :created_at)`, row)
	return mapErr(err)
}

// ListByUser returns newest first.
func (a *NotificationAdapter) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []notificationRow
	err := a.db.SelectContext(ctx, &rows, a.db.Rebind(`
		SELECT id, user_id, kind, title, message, metadata, is_read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	res := make([]*domain.Notification, 0, len(rows))
	for _, r := range rows {
		n := &domain.Notification{
			ID:        r.ID,
			UserID:    r.UserID,
			Kind:      domain.NotificationKind(r.Kind),
			Title:     r.Title,
			Message:   r.Message,
			IsRead:    r.IsRead,
			CreatedAt: r.CreatedAt,
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			_ = json.Unmarshal([]byte(r.Metadata.String), &n.Metadata)
		}
		res = append(res, n)
	}
	return res, nil
}

var _ out.NotificationRepository = (*NotificationAdapter)(nil)
