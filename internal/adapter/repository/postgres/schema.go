package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	email                TEXT NOT NULL,
	plan_name            TEXT NOT NULL,
	plan_max_leads       INTEGER NOT NULL,
	plan_priority        INTEGER NOT NULL,
	plan_ai              BOOLEAN NOT NULL DEFAULT false,
	plan_exclusive       BOOLEAN NOT NULL DEFAULT false,
	plan_quota           INTEGER NOT NULL CHECK (plan_quota > 0),
	remaining_quota      INTEGER NOT NULL CHECK (remaining_quota >= 0 AND remaining_quota <= plan_quota),
	period_start         TIMESTAMPTZ NOT NULL,
	priority             INTEGER NOT NULL DEFAULT 0,
	exclusive            BOOLEAN NOT NULL DEFAULT false,
	active               BOOLEAN NOT NULL DEFAULT true,
	delivery_format      TEXT NOT NULL DEFAULT 'csv',
	drive_folder_id      TEXT NOT NULL DEFAULT '',
	notify_email         TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS allocations (
	batch_id     TEXT NOT NULL,
	client_id    TEXT NOT NULL REFERENCES clients(id),
	lead_count   INTEGER NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (batch_id, client_id)
);

CREATE TABLE IF NOT EXISTS delivery_history (
	email        TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	batch_id     TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	exclusive    BOOLEAN NOT NULL DEFAULT false,
	delivered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (email, client_id, batch_id)
);
CREATE INDEX IF NOT EXISTS delivery_history_email_idx ON delivery_history (email, delivered_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash   TEXT PRIMARY KEY,
	label      TEXT NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT true,
	expires_at TIMESTAMPTZ
);
`

// Migrate creates the tables the repositories need.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
