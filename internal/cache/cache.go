// Package cache holds the ephemeral state contract for in-flight rounds and
// settlement requests. Entries carry a per-key TTL that is refreshed on every
// mutation; an unresolved round or request can never outlive its TTL.
//
// The interfaces are the collaborator contract: the engines manipulate typed
// records only and never see the storage encoding. Memory is the in-process
// implementation used by the single authoritative server process.
package cache

import (
	"context"
	"time"

	"github.com/satopon/satopon/internal/models"
)

// DefaultTTL bounds how long an unresolved round or settlement request may
// linger before natural expiry.
const DefaultTTL = 180 * time.Second

// RoundCache stores at most one RoundState per room.
//
// Lookups return (nil, nil) when no entry exists or it has expired; the
// engines translate absence into their own error taxonomy.
type RoundCache interface {
	// StartRound replaces any stale entry for the room with a fresh state.
	StartRound(ctx context.Context, st models.RoundState, ttl time.Duration) error

	// GetRound returns a copy of the room's live state, or nil.
	GetRound(ctx context.Context, roomID string) (*models.RoundState, error)

	// PutSubmission records uid's value (last write wins), refreshes the TTL
	// and returns the updated state. Returns nil if no round is active.
	PutSubmission(ctx context.Context, roomID, uid string, value int64, ttl time.Duration) (*models.RoundState, error)

	// AddApproval adds uid to the approval set (idempotent), refreshes the
	// TTL and returns the updated state. Returns nil if no round is active.
	AddApproval(ctx context.Context, roomID, uid string, ttl time.Duration) (*models.RoundState, error)

	// ClearRound removes the room's entry. Safe to call when none exists.
	ClearRound(ctx context.Context, roomID string) error
}

// SettlementCache stores at most one pending request per ordered
// (room, from, to) triple.
type SettlementCache interface {
	// PutRequest stores the request unless one already exists for its key.
	// Returns false without writing when a live entry is present.
	PutRequest(ctx context.Context, req models.SettlementRequest, ttl time.Duration) (bool, error)

	// GetRequest returns a copy of the pending request, or nil.
	GetRequest(ctx context.Context, roomID, fromUID, toUID string) (*models.SettlementRequest, error)

	// PendingForRecipient lists live requests in the room addressed to uid.
	PendingForRecipient(ctx context.Context, roomID, toUID string) ([]models.SettlementRequest, error)

	// ClearRequest removes the entry. Safe to call when none exists.
	ClearRequest(ctx context.Context, roomID, fromUID, toUID string) error
}
