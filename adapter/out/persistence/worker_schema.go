// Package persistence stores connections, messages, outcomes and
// notifications in a SQL database through sqlx. Queries are written with '?'
// placeholders and rebound per driver, so the same adapters run on Postgres
// and SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"mailpilot_worker/core/port/out"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mail_connections (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		email          TEXT NOT NULL,
		provider       TEXT NOT NULL,
		credentials    TEXT NOT NULL,
		sync_policy    TEXT NOT NULL,
		ai_policy      TEXT NOT NULL,
		status         TEXT NOT NULL,
		last_error     TEXT,
		last_sync_at   TIMESTAMP,
		messages_seen  BIGINT NOT NULL DEFAULT 0,
		responses_sent BIGINT NOT NULL DEFAULT 0,
		drafts_created BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		UNIQUE (user_id, email)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mail_connections_status ON mail_connections (status)`,
	`CREATE TABLE IF NOT EXISTS inbound_messages (
		id                  TEXT PRIMARY KEY,
		connection_id       TEXT NOT NULL,
		user_id             TEXT NOT NULL,
		provider            TEXT NOT NULL,
		mailbox             TEXT NOT NULL,
		provider_message_id TEXT NOT NULL,
		thread_id           TEXT NOT NULL DEFAULT '',
		message_id_header   TEXT NOT NULL DEFAULT '',
		refs                TEXT,
		from_name           TEXT NOT NULL DEFAULT '',
		from_email          TEXT NOT NULL DEFAULT '',
		to_addrs            TEXT,
		cc_addrs            TEXT,
		subject             TEXT NOT NULL DEFAULT '',
		body_text           TEXT NOT NULL DEFAULT '',
		body_html           TEXT NOT NULL DEFAULT '',
		folder              TEXT NOT NULL DEFAULT '',
		attachments         TEXT,
		received_at         TIMESTAMP NOT NULL,
		category            TEXT NOT NULL DEFAULT '',
		priority            TEXT NOT NULL DEFAULT '',
		sentiment           TEXT NOT NULL DEFAULT '',
		action_items        TEXT,
		response_required   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMP NOT NULL,
		UNIQUE (provider, mailbox, provider_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbound_messages_connection ON inbound_messages (connection_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS response_outcomes (
		id            TEXT PRIMARY KEY,
		message_id    TEXT NOT NULL UNIQUE,
		connection_id TEXT NOT NULL,
		generated     BOOLEAN NOT NULL,
		sent          BOOLEAN NOT NULL,
		drafted       BOOLEAN NOT NULL,
		reply_text    TEXT NOT NULL DEFAULT '',
		provider_ref  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS response_failures (
		id            TEXT PRIMARY KEY,
		message_id    TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		kind          TEXT NOT NULL,
		error         TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_response_failures_connection ON response_failures (connection_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		metadata   TEXT,
		is_read    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at)`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// mapErr translates driver errors into the repository sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return out.ErrNotFound
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", out.ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
