// Package settlements owns the pairwise settlement workflow: a private
// transfer proposal that becomes a two-entry ledger record on mutual
// approval. At most one request may be pending per ordered (room, from, to)
// pair.
package settlements

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/cache"
	"github.com/satopon/satopon/internal/events"
	"github.com/satopon/satopon/internal/ledger"
	"github.com/satopon/satopon/internal/locking"
	"github.com/satopon/satopon/internal/metrics"
	"github.com/satopon/satopon/internal/models"
)

// LedgerStore defines what the engine needs from the ledger.
type LedgerStore interface {
	CreateRecord(ctx context.Context, rec *models.LedgerRecord) error
	Balance(ctx context.Context, roomID, uid string) (int64, error)
	HistoryByRoom(ctx context.Context, roomID string) ([]models.LedgerRecord, error)
	HistoryByUser(ctx context.Context, uid string) ([]models.LedgerRecord, error)
}

// RoomStore defines what the engine needs from the membership collaborator.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
}

// Notifier is the push channel capability.
type Notifier interface {
	Send(uid string, ev events.Event) bool
	Broadcast(members []string, ev events.Event)
}

// Engine coordinates settlement requests. Operations on the same ordered
// pair are serialized so a request cannot race its own approval.
type Engine struct {
	cache    cache.SettlementCache
	ledger   LedgerStore
	rooms    RoomStore
	notifier Notifier
	locks    *locking.Keyed
	ttl      time.Duration
}

// NewEngine creates a settlement engine with the default cache TTL.
func NewEngine(c cache.SettlementCache, ledgerStore LedgerStore, rooms RoomStore, notifier Notifier) *Engine {
	return &Engine{
		cache:    c,
		ledger:   ledgerStore,
		rooms:    rooms,
		notifier: notifier,
		locks:    locking.NewKeyed(),
		ttl:      cache.DefaultTTL,
	}
}

func pairKey(roomID, fromUID, toUID string) string {
	return roomID + ":" + fromUID + ":" + toUID
}

func newSettlementID() string {
	return "SATO-" + uuid.New().String()
}

// Request caches a transfer proposal and notifies the recipient only. Fails
// with Conflict while a request for the same ordered pair is pending.
func (e *Engine) Request(ctx context.Context, roomID, fromUID, toUID string, amount int64) error {
	if amount <= 0 {
		return apperr.InvalidState("amount must be positive, got %d", amount)
	}
	if fromUID == toUID {
		return apperr.InvalidState("cannot settle with yourself")
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasMember(fromUID) || !room.HasMember(toUID) {
		return apperr.InvalidState("both parties must be room members")
	}

	unlock := e.locks.Lock(pairKey(roomID, fromUID, toUID))
	defer unlock()

	req := models.SettlementRequest{
		RoomID:    roomID,
		FromUID:   fromUID,
		ToUID:     toUID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	created, err := e.cache.PutRequest(ctx, req, e.ttl)
	if err != nil {
		return fmt.Errorf("failed to cache settlement request: %w", err)
	}
	if !created {
		return apperr.Conflict("settlement request already pending from %s to %s", fromUID, toUID)
	}

	e.notifier.Send(toUID, events.SettleRequested(roomID, fromUID, toUID, amount))
	metrics.SettlementsRequested.Inc()

	log.Info().
		Str("room_id", roomID).
		Str("from_uid", fromUID).
		Str("to_uid", toUID).
		Int64("amount", amount).
		Msg("settlement requested")

	return nil
}

// Approve commits the pending request as a two-entry ledger record after
// re-validating both balances against the live ledger. On a balance
// violation the cached request is left untouched so the pair can retry or
// reject.
func (e *Engine) Approve(ctx context.Context, roomID, fromUID, toUID string) (string, error) {
	unlock := e.locks.Lock(pairKey(roomID, fromUID, toUID))
	defer unlock()

	req, err := e.cache.GetRequest(ctx, roomID, fromUID, toUID)
	if err != nil {
		return "", fmt.Errorf("failed to read settlement request: %w", err)
	}
	if req == nil {
		return "", apperr.NotFound("no pending settlement request from %s to %s", fromUID, toUID)
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}

	// Balances are read at approval time, never trusted from request time,
	// so a ledger change between request and approval is caught here.
	balFrom, err := e.ledger.Balance(ctx, roomID, fromUID)
	if err != nil {
		return "", err
	}
	if balFrom+req.Amount > 0 {
		return "", apperr.InvalidState("insufficient source balance: %d + %d > 0", balFrom, req.Amount)
	}

	balTo, err := e.ledger.Balance(ctx, roomID, toUID)
	if err != nil {
		return "", err
	}
	if balTo-req.Amount < 0 {
		return "", apperr.InvalidState("recipient limit exceeded: %d - %d < 0", balTo, req.Amount)
	}

	rec := &models.LedgerRecord{
		RoomID:  roomID,
		RoundID: newSettlementID(),
		Entries: []models.PointEntry{
			{UID: fromUID, Value: req.Amount},
			{UID: toUID, Value: -req.Amount},
		},
		ApprovedBy: []string{fromUID, toUID},
		Meta:       ledger.SettlementMeta(fromUID, toUID, req.Amount),
	}
	if err := e.ledger.CreateRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist settlement record: %w", err)
	}

	if err := e.cache.ClearRequest(ctx, roomID, fromUID, toUID); err != nil {
		return "", fmt.Errorf("failed to clear settlement request: %w", err)
	}

	e.notifier.Broadcast(room.Members, events.SettleCompleted(roomID, fromUID, toUID, req.Amount))
	metrics.SettlementsCompleted.Inc()

	log.Info().
		Str("room_id", roomID).
		Str("from_uid", fromUID).
		Str("to_uid", toUID).
		Int64("amount", req.Amount).
		Str("record_id", rec.RoundID).
		Msg("settlement completed")

	return rec.RoundID, nil
}

// Reject drops the pending request and notifies the requester only.
func (e *Engine) Reject(ctx context.Context, roomID, fromUID, toUID string) error {
	unlock := e.locks.Lock(pairKey(roomID, fromUID, toUID))
	defer unlock()

	req, err := e.cache.GetRequest(ctx, roomID, fromUID, toUID)
	if err != nil {
		return fmt.Errorf("failed to read settlement request: %w", err)
	}
	if req == nil {
		return apperr.NotFound("no pending settlement request from %s to %s", fromUID, toUID)
	}

	if err := e.cache.ClearRequest(ctx, roomID, fromUID, toUID); err != nil {
		return fmt.Errorf("failed to clear settlement request: %w", err)
	}

	e.notifier.Send(fromUID, events.SettleRejected(roomID, fromUID, toUID))
	metrics.SettlementsRejected.Inc()

	log.Info().
		Str("room_id", roomID).
		Str("from_uid", fromUID).
		Str("to_uid", toUID).
		Msg("settlement rejected")

	return nil
}

// History returns the room's non-deleted ledger records.
func (e *Engine) History(ctx context.Context, roomID string) ([]models.LedgerRecord, error) {
	if _, err := e.rooms.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return e.ledger.HistoryByRoom(ctx, roomID)
}

// HistoryByUser returns every non-deleted record uid appears in, across
// rooms.
func (e *Engine) HistoryByUser(ctx context.Context, uid string) ([]models.LedgerRecord, error) {
	return e.ledger.HistoryByUser(ctx, uid)
}
