// Package ledger is the append-only store of committed point transfers.
// Records are immutable after creation; only the soft-delete flag changes.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/models"
	"github.com/satopon/satopon/internal/sqlutil"
)

// Repository implements ledger data access over Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new ledger repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRecord persists one record and its entries atomically, filling in
// the generated id and creation timestamp. The zero-sum invariant is
// enforced here as the last line of defense; engines validate earlier.
func (r *Repository) CreateRecord(ctx context.Context, rec *models.LedgerRecord) error {
	if len(rec.Entries) == 0 {
		return apperr.InvalidState("record must contain at least one entry")
	}
	if rec.Sum() != 0 {
		return apperr.InvalidState("record entries must sum to zero, got %d", rec.Sum())
	}

	var meta pqtype.NullRawMessage
	if rec.Meta != nil {
		raw, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal record meta: %w", err)
		}
		meta = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO ledger_records (room_id, round_id, approved_by, meta)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			rec.RoomID, rec.RoundID, pq.Array(rec.ApprovedBy), meta,
		)
		if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return err
		}

		for i, e := range rec.Entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (record_id, uid, value, position)
				VALUES ($1, $2, $3, $4)`,
				rec.ID, e.UID, e.Value, i,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apperr.Conflict("record already exists for room %s round %s", rec.RoomID, rec.RoundID)
		}
		return fmt.Errorf("failed to create ledger record: %w", err)
	}
	return nil
}

// FindByRound returns the record for (room, round), deleted or not.
func (r *Repository) FindByRound(ctx context.Context, roomID, roundID string) (*models.LedgerRecord, error) {
	records, err := r.queryRecords(ctx, `
		SELECT id, room_id, round_id, approved_by, meta, created_at, is_deleted
		FROM ledger_records
		WHERE room_id = $1 AND round_id = $2`,
		roomID, roundID,
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperr.NotFound("record not found for room %s round %s", roomID, roundID)
	}
	return &records[0], nil
}

// HistoryByRoom returns all non-deleted records in a room, oldest first.
func (r *Repository) HistoryByRoom(ctx context.Context, roomID string) ([]models.LedgerRecord, error) {
	return r.queryRecords(ctx, `
		SELECT id, room_id, round_id, approved_by, meta, created_at, is_deleted
		FROM ledger_records
		WHERE room_id = $1 AND NOT is_deleted
		ORDER BY created_at`,
		roomID,
	)
}

// HistoryByUser returns all non-deleted records with an entry for uid.
func (r *Repository) HistoryByUser(ctx context.Context, uid string) ([]models.LedgerRecord, error) {
	return r.queryRecords(ctx, `
		SELECT r.id, r.room_id, r.round_id, r.approved_by, r.meta, r.created_at, r.is_deleted
		FROM ledger_records r
		WHERE NOT r.is_deleted
		  AND EXISTS (SELECT 1 FROM ledger_entries e WHERE e.record_id = r.id AND e.uid = $1)
		ORDER BY r.created_at`,
		uid,
	)
}

// Balance is uid's net sum over non-deleted records in the room.
func (r *Repository) Balance(ctx context.Context, roomID, uid string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.value), 0)
		FROM ledger_entries e
		JOIN ledger_records r ON r.id = e.record_id
		WHERE r.room_id = $1 AND e.uid = $2 AND NOT r.is_deleted`,
		roomID, uid,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

// SoftDelete flags the record deleted without removing it.
func (r *Repository) SoftDelete(ctx context.Context, roomID, roundID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_records SET is_deleted = TRUE
		WHERE room_id = $1 AND round_id = $2 AND NOT is_deleted`,
		roomID, roundID,
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("record not found for room %s round %s", roomID, roundID)
	}
	return nil
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]models.LedgerRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer rows.Close()

	var records []models.LedgerRecord
	byID := make(map[uuid.UUID]int)
	var ids []uuid.UUID
	for rows.Next() {
		var rec models.LedgerRecord
		var approvedBy pq.StringArray
		var meta pqtype.NullRawMessage
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.RoundID, &approvedBy, &meta, &rec.CreatedAt, &rec.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		rec.ApprovedBy = approvedBy
		if meta.Valid {
			if err := json.Unmarshal(meta.RawMessage, &rec.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record meta: %w", err)
			}
		}
		byID[rec.ID] = len(records)
		ids = append(ids, rec.ID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	entryRows, err := r.db.QueryContext(ctx, `
		SELECT record_id, uid, value
		FROM ledger_entries
		WHERE record_id = ANY($1)
		ORDER BY record_id, position`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var recordID uuid.UUID
		var entry models.PointEntry
		if err := entryRows.Scan(&recordID, &entry.UID, &entry.Value); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if i, ok := byID[recordID]; ok {
			records[i].Entries = append(records[i].Entries, entry)
		}
	}
	return records, entryRows.Err()
}

// SettlementMeta is the meta payload attached to two-entry settlement
// records so history projections can distinguish them from round records.
func SettlementMeta(fromUID, toUID string, amount int64) map[string]any {
	return map[string]any{
		"kind":     "settlement",
		"from_uid": fromUID,
		"to_uid":   toUID,
		"amount":   amount,
	}
}
