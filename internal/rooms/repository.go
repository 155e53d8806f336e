// Package rooms is the membership view consumed by the workflow engines.
// Room administration (create/join/approve/leave) lives outside this system;
// the engines only read who belongs to a room and who owns it.
package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/models"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		members TEXT[] NOT NULL,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the rooms schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run rooms migration: %w", err)
		}
	}
	return nil
}

// Repository implements room lookups over Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetRoom returns the room by id, excluding archived rooms.
func (r *Repository) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	var members pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, members, is_archived, created_at
		FROM rooms
		WHERE id = $1 AND NOT is_archived`,
		id,
	).Scan(&room.ID, &room.Name, &room.CreatedBy, &members, &room.IsArchived, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("room %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	room.Members = members
	return &room, nil
}

// CreateRoom inserts a room. The workflow server never creates rooms; this
// exists for provisioning tooling.
func (r *Repository) CreateRoom(ctx context.Context, room *models.Room) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, created_by, members)
		VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, room.CreatedBy, pq.Array(room.Members),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apperr.Conflict("room %s already exists", room.ID)
		}
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}
