package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/crypto"
)

// ConnectionAdapter implements out.ConnectionRepository and out.TokenSaver.
// Credentials are stored as an encrypted JSON blob.
type ConnectionAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
}

// NewConnectionAdapter stores credentials in plaintext when enc is nil.
func NewConnectionAdapter(db *sqlx.DB, enc *crypto.Encryptor) *ConnectionAdapter {
	return &ConnectionAdapter{db: db, enc: enc}
}

type connectionRow struct {
	ID            uuid.UUID      `db:"id"`
	UserID        string         `db:"user_id"`
	Email         string         `db:"email"`
	Provider      string         `db:"provider"`
	Credentials   string         `db:"credentials"`
	SyncPolicy    string         `db:"sync_policy"`
	AIPolicy      string         `db:"ai_policy"`
	Status        string         `db:"status"`
	LastError     sql.NullString `db:"last_error"`
	LastSyncAt    sql.NullTime   `db:"last_sync_at"`
	MessagesSeen  int64          `db:"messages_seen"`
	ResponsesSent int64          `db:"responses_sent"`
	DraftsCreated int64          `db:"drafts_created"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const connectionColumns = `id, user_id, email, provider, credentials, sync_policy, ai_policy, status,
	last_error, last_sync_at, messages_seen, responses_sent, drafts_created, created_at, updated_at`

func (a *ConnectionAdapter) sealCredentials(creds domain.Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	if a.enc == nil {
		return string(raw), nil
	}
	return a.enc.Encrypt(string(raw))
}

func (a *ConnectionAdapter) openCredentials(blob string) (domain.Credentials, error) {
	var creds domain.Credentials
	if blob == "" {
		return creds, nil
	}
	raw := blob
	if a.enc != nil {
		dec, err := a.enc.Decrypt(blob)
		if err != nil {
			return creds, fmt.Errorf("decrypt credentials: %w", err)
		}
		raw = dec
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return creds, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (a *ConnectionAdapter) toDomain(r *connectionRow) (*domain.Connection, error) {
	creds, err := a.openCredentials(r.Credentials)
	if err != nil {
		return nil, err
	}
	conn := &domain.Connection{
		ID:          r.ID,
		UserID:      r.UserID,
		Email:       r.Email,
		Provider:    domain.ProviderKind(r.Provider),
		Credentials: creds,
		Status:      domain.ConnectionStatus(r.Status),
		Stats: domain.ConnectionStats{
			MessagesSeen:  r.MessagesSeen,
			ResponsesSent: r.ResponsesSent,
			DraftsCreated: r.DraftsCreated,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.SyncPolicy), &conn.Sync); err != nil {
		return nil, fmt.Errorf("decode sync policy: %w", err)
	}
	if err := json.Unmarshal([]byte(r.AIPolicy), &conn.AI); err != nil {
		return nil, fmt.Errorf("decode ai policy: %w", err)
	}
	if r.LastError.Valid && r.LastError.String != "" {
		var ce domain.ConnectionError
		if err := json.Unmarshal([]byte(r.LastError.String), &ce); err == nil {
			conn.LastError = &ce
		}
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Time
		conn.LastSyncAt = &t
	}
	return conn, nil
}

func encodeLastError(ce *domain.ConnectionError) (sql.NullString, error) {
	if ce == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(ce)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Upsert inserts or replaces the connection for (user, email). An existing
// row keeps its id and creation time, which are copied back into conn.
func (a *ConnectionAdapter) Upsert(ctx context.Context, conn *domain.Connection) error {
	key := conn.Key()
	now := time.Now().UTC()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	creds, err := a.sealCredentials(conn.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	syncJSON, err := json.Marshal(conn.Sync)
	if err != nil {
		return err
	}
	aiJSON, err := json.Marshal(conn.AI)
	if err != nil {
		return err
	}
	lastErr, err := encodeLastError(conn.LastError)
	if err != nil {
		return err
	}
	var lastSync sql.NullTime
	if conn.LastSyncAt != nil {
		lastSync = sql.NullTime{Time: *conn.LastSyncAt, Valid: true}
	}

	query := a.db.Rebind(`
		INSERT INTO mail_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, email) DO UPDATE SET
			provider = excluded.provider,
			credentials = excluded.credentials,
			sync_policy = excluded.sync_policy,
			ai_policy = excluded.ai_policy,
			status = excluded.status,
			last_error = excluded.last_error,
			last_sync_at = excluded.last_sync_at,
			messages_seen = excluded.messages_seen,
			responses_sent = excluded.responses_sent,
			drafts_created = excluded.drafts_created,
			updated_at = excluded.updated_at`)

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query,
		conn.ID, key.UserID, key.Email, string(conn.Provider), creds, string(syncJSON), string(aiJSON),
		string(conn.Status), lastErr, lastSync,
		conn.Stats.MessagesSeen, conn.Stats.ResponsesSent, conn.Stats.DraftsCreated,
		conn.CreatedAt, conn.UpdatedAt,
	); err != nil {
		return mapErr(err)
	}

	var stored struct {
		ID        uuid.UUID `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := tx.GetContext(ctx, &stored,
		a.db.Rebind(`SELECT id, created_at FROM mail_connections WHERE user_id = ? AND email = ?`),
		key.UserID, key.Email,
	); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	conn.ID = stored.ID
	conn.CreatedAt = stored.CreatedAt
	conn.Email = key.Email
	return nil
}

func (a *ConnectionAdapter) getOne(ctx context.Context, where string, args ...any) (*domain.Connection, error) {
	var row connectionRow
	query := a.db.Rebind(`SELECT ` + connectionColumns + ` FROM mail_connections WHERE ` + where)
	if err := a.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, mapErr(err)
	}
	return a.toDomain(&row)
}

func (a *ConnectionAdapter) list(ctx context.Context, where string, args ...any) ([]*domain.Connection, error) {
	var rows []connectionRow
	query := a.db.Rebind(`SELECT ` + connectionColumns + ` FROM mail_connections WHERE ` + where + ` ORDER BY created_at`)
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	res := make([]*domain.Connection, 0, len(rows))
	for i := range rows {
		conn, err := a.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		res = append(res, conn)
	}
	return res, nil
}

func (a *ConnectionAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.Connection, error) {
	return a.getOne(ctx, `id = ?`, id)
}

func (a *ConnectionAdapter) GetByKey(ctx context.Context, key domain.ConnectionKey) (*domain.Connection, error) {
	return a.getOne(ctx, `user_id = ? AND email = ?`, key.UserID, key.Email)
}

func (a *ConnectionAdapter) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return a.list(ctx, `user_id = ?`, userID)
}

func (a *ConnectionAdapter) ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	return a.list(ctx, `status = ?`, string(status))
}

// exec runs an update and reports ErrNotFound when no row matched.
func (a *ConnectionAdapter) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return out.ErrNotFound
	}
	return nil
}

func (a *ConnectionAdapter) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastErr *domain.ConnectionError) error {
	le, err := encodeLastError(lastErr)
	if err != nil {
		return err
	}
	return a.exec(ctx,
		`UPDATE mail_connections SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), le, time.Now().UTC(), id)
}

func (a *ConnectionAdapter) UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
	blob, err := a.sealCredentials(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return a.exec(ctx,
		`UPDATE mail_connections SET credentials = ?, updated_at = ? WHERE id = ?`,
		blob, time.Now().UTC(), id)
}

func (a *ConnectionAdapter) UpdatePolicies(ctx context.Context, id uuid.UUID, sync domain.SyncPolicy, ai domain.AIPolicy) error {
	syncJSON, err := json.Marshal(sync)
	if err != nil {
		return err
	}
	aiJSON, err := json.Marshal(ai)
	if err != nil {
		return err
	}
	return a.exec(ctx,
		`UPDATE mail_connections SET sync_policy = ?, ai_policy = ?, updated_at = ? WHERE id = ?`,
		string(syncJSON), string(aiJSON), time.Now().UTC(), id)
}

func (a *ConnectionAdapter) RecordSync(ctx context.Context, id uuid.UUID, at time.Time, delta domain.ConnectionStats) error {
	return a.exec(ctx, `
		UPDATE mail_connections SET
			last_sync_at = ?,
			messages_seen = messages_seen + ?,
			responses_sent = responses_sent + ?,
			drafts_created = drafts_created + ?,
			updated_at = ?
		WHERE id = ?`,
		at.UTC(), delta.MessagesSeen, delta.ResponsesSent, delta.DraftsCreated, time.Now().UTC(), id)
}

func (a *ConnectionAdapter) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, a.db.Rebind(`DELETE FROM mail_connections WHERE id = ?`), id)
	return mapErr(err)
}

// SaveCredentials persists a refreshed token bundle.
func (a *ConnectionAdapter) SaveCredentials(ctx context.Context, connectionID string, creds domain.Credentials) error {
	id, err := uuid.Parse(connectionID)
	if err != nil {
		return err
	}
	return a.UpdateCredentials(ctx, id, creds)
}

var (
	_ out.ConnectionRepository = (*ConnectionAdapter)(nil)
	_ out.TokenSaver           = (*ConnectionAdapter)(nil)
)
