package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`,
	`CREATE TABLE IF NOT EXISTS ledger_records (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id TEXT NOT NULL,
		round_id TEXT NOT NULL,
		approved_by TEXT[] NOT NULL,
		meta JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (room_id, round_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		record_id UUID NOT NULL REFERENCES ledger_records(id) ON DELETE CASCADE,
		uid TEXT NOT NULL,
		value BIGINT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (record_id, uid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_records_room ON ledger_records (room_id) WHERE NOT is_deleted`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_uid ON ledger_entries (uid)`,
}

// Migrate creates the ledger schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run ledger migration: %w", err)
		}
	}
	return nil
}
