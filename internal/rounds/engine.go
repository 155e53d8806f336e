// Package rounds owns the round state machine: Idle → Active →
// (Committed | Cancelled). A room has at most one active round; the only
// path to the ledger is unanimous approval of a zero-sum submission table.
package rounds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/cache"
	"github.com/satopon/satopon/internal/events"
	"github.com/satopon/satopon/internal/locking"
	"github.com/satopon/satopon/internal/metrics"
	"github.com/satopon/satopon/internal/models"
	"github.com/satopon/satopon/internal/timeout"
)

// LedgerStore defines what the engine needs from the ledger.
type LedgerStore interface {
	CreateRecord(ctx context.Context, rec *models.LedgerRecord) error
	FindByRound(ctx context.Context, roomID, roundID string) (*models.LedgerRecord, error)
}

// RoomStore defines what the engine needs from the membership collaborator.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
}

// Presence reports who is live in a room right now. Participant sets are
// captured from presence at round start, not from room membership.
type Presence interface {
	Present(roomID string) []string
}

// Notifier is the push channel capability. Send to an absent user is a
// silent no-op; Broadcast is best-effort, at most once per connected member.
type Notifier interface {
	Send(uid string, ev events.Event) bool
	Broadcast(members []string, ev events.Event)
}

// Engine coordinates rounds for all rooms. Mutating operations on the same
// room are serialized through a per-room lock so threshold checks always see
// a consistent snapshot.
type Engine struct {
	cache     cache.RoundCache
	ledger    LedgerStore
	rooms     RoomStore
	presence  Presence
	notifier  Notifier
	watchdogs *timeout.Supervisor
	locks     *locking.Keyed
	ttl       time.Duration
}

// NewEngine creates a round engine. The round state TTL always exceeds the
// watchdog delay, so a stalled round is cancelled by the watchdog and never
// expires silently out of the cache first.
func NewEngine(c cache.RoundCache, ledger LedgerStore, rooms RoomStore, presence Presence, notifier Notifier, watchdogs *timeout.Supervisor) *Engine {
	ttl := watchdogs.Delay() + timeoutGrace
	if ttl < cache.DefaultTTL {
		ttl = cache.DefaultTTL
	}
	return &Engine{
		cache:     c,
		ledger:    ledger,
		rooms:     rooms,
		presence:  presence,
		notifier:  notifier,
		watchdogs: watchdogs,
		locks:     locking.NewKeyed(),
		ttl:       ttl,
	}
}

// timeoutGrace keeps a round's cache entry alive past the watchdog's fire
// time. Without it a round that saw no mutation after Start would lapse in
// the same instant the timer fires and the cancellation would go unannounced.
const timeoutGrace = 5 * time.Second

func newRoundID() string {
	return "PON-" + uuid.New().String()
}

// Start opens a fresh round for the room. At least two participants must be
// present; the participant set is frozen here and drives both the submission
// and the approval thresholds.
func (e *Engine) Start(ctx context.Context, roomID string) (string, error) {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}

	present := e.presence.Present(roomID)
	if len(present) < 2 {
		return "", apperr.Conflict("need at least 2 present participants, have %d", len(present))
	}

	if err := e.cache.ClearRound(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to clear stale round state: %w", err)
	}

	roundID := newRoundID()
	st := models.RoundState{
		RoomID:       roomID,
		RoundID:      roundID,
		Participants: present,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.cache.StartRound(ctx, st, e.ttl); err != nil {
		return "", fmt.Errorf("failed to write round state: %w", err)
	}

	e.watchdogs.Arm(roomID, roundID, e.handleTimeout)
	e.notifier.Broadcast(room.Members, events.RoundStarted(roomID, roundID))
	metrics.RoundsStarted.Inc()

	log.Info().
		Str("room_id", roomID).
		Str("round_id", roundID).
		Int("participants", len(present)).
		Msg("round started")

	return roundID, nil
}

// Submit records uid's value for the active round. Last write wins until
// every participant has submitted; after that the table is closed. When the
// final submission lands, the zero-sum check decides between broadcasting
// the final table and cancelling the round.
func (e *Engine) Submit(ctx context.Context, roomID, uid string, value int64) error {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to read round state: %w", err)
	}
	if st == nil {
		return apperr.Conflict("no active round")
	}
	if st.AllSubmitted() {
		return apperr.Conflict("round is no longer collecting submissions")
	}
	if !st.IsParticipant(uid) {
		return apperr.InvalidState("%s is not a participant of this round", uid)
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	st, err = e.cache.PutSubmission(ctx, roomID, uid, value, e.ttl)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	if st == nil {
		return apperr.Conflict("no active round")
	}

	e.notifier.Broadcast(room.Members, events.Submitted(roomID, st.RoundID, uid))

	if !st.AllSubmitted() {
		return nil
	}

	// Threshold reached: the watchdog's job is done either way.
	e.watchdogs.Disarm(roomID)

	if sum := st.SubmissionSum(); sum != 0 {
		log.Info().
			Str("room_id", roomID).
			Str("round_id", st.RoundID).
			Int64("sum", sum).
			Msg("round cancelled: submissions do not cancel out")
		e.notifier.Broadcast(room.Members, events.RoundCancelled(roomID, st.RoundID, "sum is not zero"))
		if err := e.cache.ClearRound(ctx, roomID); err != nil {
			return fmt.Errorf("failed to clear cancelled round: %w", err)
		}
		metrics.RoundsCancelled.WithLabelValues("nonzero_sum").Inc()
		return apperr.InvalidState("sum is not zero")
	}

	e.notifier.Broadcast(room.Members, events.FinalTable(roomID, st.RoundID, st.Submissions))
	return nil
}

// Finalize is a read-only completion check for clients that missed the
// final_table push. A nonzero sum cancels the round exactly as the
// submission threshold would.
func (e *Engine) Finalize(ctx context.Context, roomID string) (string, map[string]int64, error) {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read round state: %w", err)
	}
	if st == nil || len(st.Submissions) == 0 {
		return "", nil, apperr.Conflict("no active round")
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", nil, err
	}

	if st.SubmissionSum() != 0 {
		e.cancelLocked(ctx, room, st, "sum is not zero", "nonzero_sum")
		return "", nil, apperr.Conflict("sum is not zero")
	}

	e.notifier.Broadcast(room.Members, events.FinalTable(roomID, st.RoundID, st.Submissions))
	return st.RoundID, st.Submissions, nil
}

// Approve adds uid to the approval set. When the set covers every captured
// participant the submission table becomes a ledger record and the round
// state is destroyed. This is the sole path by which round data becomes
// permanent.
func (e *Engine) Approve(ctx context.Context, roomID, roundID, uid string) error {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to read round state: %w", err)
	}
	if st == nil {
		return apperr.Conflict("no active round")
	}
	if st.RoundID != roundID {
		return apperr.Conflict("round %s is not the active round", roundID)
	}
	if !st.AllSubmitted() {
		return apperr.Conflict("round is still collecting submissions")
	}
	if !st.IsParticipant(uid) {
		return apperr.InvalidState("%s is not a participant of this round", uid)
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	st, err = e.cache.AddApproval(ctx, roomID, uid, e.ttl)
	if err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	if st == nil {
		return apperr.Conflict("no active round")
	}

	e.notifier.Broadcast(room.Members, events.Approved(roomID, roundID, uid))

	if !st.AllApproved() {
		return nil
	}

	entries := make([]models.PointEntry, 0, len(st.Participants))
	for _, p := range st.Participants {
		entries = append(entries, models.PointEntry{UID: p, Value: st.Submissions[p]})
	}
	rec := &models.LedgerRecord{
		RoomID:     roomID,
		RoundID:    roundID,
		Entries:    entries,
		ApprovedBy: append([]string(nil), st.Participants...),
	}
	if err := e.ledger.CreateRecord(ctx, rec); err != nil {
		// State stays in the cache so a retry can complete the commit.
		return fmt.Errorf("failed to persist round record: %w", err)
	}

	e.watchdogs.Disarm(roomID)
	if err := e.cache.ClearRound(ctx, roomID); err != nil {
		return fmt.Errorf("failed to clear committed round: %w", err)
	}
	e.notifier.Broadcast(room.Members, events.FullyApproved(roomID, roundID, rec.ApprovedBy))
	metrics.RoundsCommitted.Inc()

	log.Info().
		Str("room_id", roomID).
		Str("round_id", roundID).
		Int("entries", len(entries)).
		Msg("round committed to ledger")

	return nil
}

// Cancel terminates the active round, if any. Idempotent: cancelling a room
// with no round state only disarms any stray watchdog.
func (e *Engine) Cancel(ctx context.Context, roomID, reason string) error {
	return e.cancel(ctx, roomID, reason, "client")
}

// CancelOnPresenceChange is invoked by the gateway when a user enters or
// leaves a room while a round is active.
func (e *Engine) CancelOnPresenceChange(ctx context.Context, roomID, reason string) error {
	return e.cancel(ctx, roomID, reason, "presence")
}

func (e *Engine) cancel(ctx context.Context, roomID, reason, trigger string) error {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to read round state: %w", err)
	}
	if st == nil {
		e.watchdogs.Disarm(roomID)
		return nil
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	e.cancelLocked(ctx, room, st, reason, trigger)
	return nil
}

// cancelLocked performs the cancellation while the caller holds the room
// lock.
func (e *Engine) cancelLocked(ctx context.Context, room *models.Room, st *models.RoundState, reason, trigger string) {
	e.watchdogs.Disarm(st.RoomID)
	e.notifier.Broadcast(room.Members, events.RoundCancelled(st.RoomID, st.RoundID, reason))
	if err := e.cache.ClearRound(ctx, st.RoomID); err != nil {
		log.Error().Err(err).Str("room_id", st.RoomID).Msg("failed to clear cancelled round state")
	}
	metrics.RoundsCancelled.WithLabelValues(trigger).Inc()

	log.Info().
		Str("room_id", st.RoomID).
		Str("round_id", st.RoundID).
		Str("reason", reason).
		Msg("round cancelled")
}

// handleTimeout fires from the watchdog goroutine. The round id captured at
// arm time guards against cancelling a successor round that started in the
// same instant the timer expired.
func (e *Engine) handleTimeout(roomID, roundID string) {
	ctx := context.Background()

	unlock := e.locks.Lock(roomID)
	defer unlock()

	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("timeout: failed to read round state")
		return
	}
	if st == nil {
		return
	}
	if st.RoundID != roundID {
		log.Debug().
			Str("room_id", roomID).
			Str("armed_round", roundID).
			Str("active_round", st.RoundID).
			Msg("stale watchdog ignored: a newer round is active")
		return
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("timeout: failed to load room")
		return
	}

	e.cancelLocked(ctx, room, st, "timeout", "timeout")
}

// ApprovalStatus returns the live approval set for an active round, falling
// back to the persisted record's approver list for completed rounds.
func (e *Engine) ApprovalStatus(ctx context.Context, roomID, roundID string) ([]string, error) {
	st, err := e.cache.GetRound(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read round state: %w", err)
	}
	if st != nil && st.RoundID == roundID {
		return st.ApprovedBy(), nil
	}

	rec, err := e.ledger.FindByRound(ctx, roomID, roundID)
	if err != nil {
		return nil, err
	}
	return rec.ApprovedBy, nil
}
