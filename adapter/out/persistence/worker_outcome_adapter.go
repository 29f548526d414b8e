package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// OutcomeAdapter implements out.OutcomeRepository. Outcomes are unique per
// message; failures are append-only.
type OutcomeAdapter struct {
	db *sqlx.DB
}

func NewOutcomeAdapter(db *sqlx.DB) *OutcomeAdapter {
	return &OutcomeAdapter{db: db}
}

func (a *OutcomeAdapter) InsertOutcome(ctx context.Context, o *domain.ResponseOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO response_outcomes
			(id, message_id, connection_id, generated, sent, drafted, reply_text, provider_ref, created_at)
		VALUES
			(:id, :message_id, :connection_id, :generated, :sent, :drafted, :reply_text, :provider_ref, :created_at)`, o)
	return mapErr(err)
}

func (a *OutcomeAdapter) InsertFailure(ctx context.Context, f *domain.ResponseFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO response_failures (id, message_id, connection_id, kind, error, created_at)
		VALUES (:id, :message_id, :connection_id, :kind, :error, :created_at)`, f)
	return mapErr(err)
}

func (a *OutcomeAdapter) GetOutcome(ctx context.Context, messageID uuid.UUID) (*domain.ResponseOutcome, error) {
	var o domain.ResponseOutcome
	err := a.db.GetContext(ctx, &o, a.db.Rebind(`
		SELECT id, message_id, connection_id, generated, sent, drafted, reply_text, provider_ref, created_at
		FROM response_outcomes WHERE message_id = ?`), messageID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func (a *OutcomeAdapter) ListFailures(ctx context.Context, connectionID uuid.UUID) ([]*domain.ResponseFailure, error) {
	var res []*domain.ResponseFailure
	err := a.db.SelectContext(ctx, &res, a.db.Rebind(`
		SELECT id, message_id, connection_id, kind, error, created_at
		FROM response_failures WHERE connection_id = ?
		ORDER BY created_at`), connectionID)
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

var _ out.OutcomeRepository = (*OutcomeAdapter)(nil)
