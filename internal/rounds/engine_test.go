package rounds

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/cache"
	"github.com/satopon/satopon/internal/events"
	"github.com/satopon/satopon/internal/models"
	"github.com/satopon/satopon/internal/timeout"
)

type fakeLedger struct {
	mu        sync.Mutex
	records   []*models.LedgerRecord
	createErr error
}

func (f *fakeLedger) CreateRecord(_ context.Context, rec *models.LedgerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) FindByRound(_ context.Context, roomID, roundID string) (*models.LedgerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.RoomID == roomID && rec.RoundID == roundID {
			return rec, nil
		}
	}
	return nil, apperr.NotFound("record not found for room %s round %s", roomID, roundID)
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeRooms struct {
	rooms map[string]*models.Room
}

func (f *fakeRooms) GetRoom(_ context.Context, id string) (*models.Room, error) {
	room, ok := f.rooms[id]
	if !ok {
		return nil, apperr.NotFound("room %s not found", id)
	}
	return room, nil
}

type fakePresence struct {
	present map[string][]string
}

func (f *fakePresence) Present(roomID string) []string {
	return f.present[roomID]
}

type fakeNotifier struct {
	mu         sync.Mutex
	sends      []events.Event
	broadcasts []events.Event
}

func (f *fakeNotifier) Send(_ string, ev events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, ev)
	return true
}

func (f *fakeNotifier) Broadcast(_ []string, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, ev)
}

func (f *fakeNotifier) broadcastTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, len(f.broadcasts))
	for i, ev := range f.broadcasts {
		out[i] = ev.Type
	}
	return out
}

func (f *fakeNotifier) lastBroadcast(t events.EventType) *events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.broadcasts) - 1; i >= 0; i-- {
		if f.broadcasts[i].Type == t {
			ev := f.broadcasts[i]
			return &ev
		}
	}
	return nil
}

// waitForBroadcast polls for an event pushed from the watchdog goroutine.
func (f *fakeNotifier) waitForBroadcast(t *testing.T, typ events.EventType) *events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := f.lastBroadcast(typ); ev != nil {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s broadcast within deadline", typ)
	return nil
}

type fixture struct {
	engine    *Engine
	cache     *cache.Memory
	ledger    *fakeLedger
	presence  *fakePresence
	notifier  *fakeNotifier
	watchdogs *timeout.Supervisor
	clock     *clockwork.FakeClock
}

func newFixture(present ...string) *fixture {
	clock := clockwork.NewFakeClock()
	mem := cache.NewMemory(clock)
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	presence := &fakePresence{present: map[string][]string{"room1": present}}
	rooms := &fakeRooms{rooms: map[string]*models.Room{
		"room1": {ID: "room1", Name: "room one", CreatedBy: "alice", Members: []string{"alice", "bob", "carol"}},
	}}
	watchdogs := timeout.New(clock, 180*time.Second)
	return &fixture{
		engine:    NewEngine(mem, ledger, rooms, presence, notifier, watchdogs),
		cache:     mem,
		ledger:    ledger,
		presence:  presence,
		notifier:  notifier,
		watchdogs: watchdogs,
		clock:     clock,
	}
}

func TestStartRequiresTwoPresent(t *testing.T) {
	f := newFixture("alice")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); !apperr.IsConflict(err) {
		t.Errorf("one present: expected Conflict, got %v", err)
	}
	if _, err := f.engine.Start(ctx, "nope"); !apperr.IsNotFound(err) {
		t.Errorf("unknown room: expected NotFound, got %v", err)
	}
}

func TestStartFreezesParticipantsAndArmsWatchdog(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.HasPrefix(roundID, "PON-") {
		t.Errorf("round id %q does not carry the PON- prefix", roundID)
	}

	st, err := f.cache.GetRound(ctx, "room1")
	if err != nil || st == nil {
		t.Fatalf("expected live round state, got %v, %v", st, err)
	}
	if len(st.Participants) != 2 {
		t.Errorf("expected 2 frozen participants, got %v", st.Participants)
	}

	if armed, ok := f.watchdogs.ArmedRound("room1"); !ok || armed != roundID {
		t.Errorf("watchdog armed for %q (ok=%v), want %q", armed, ok, roundID)
	}
	if ev := f.notifier.lastBroadcast(events.EventTypeRoundStarted); ev == nil {
		t.Error("expected a round_started broadcast")
	}

	// carol joins after start; the frozen set does not grow.
	f.presence.present["room1"] = []string{"alice", "bob", "carol"}
	if err := f.engine.Submit(ctx, "room1", "alice", -3); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", 3); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ev := f.notifier.lastBroadcast(events.EventTypeFinalTable); ev == nil {
		t.Error("two submissions should close a two-participant table")
	}
}

func TestSubmitWithoutActiveRound(t *testing.T) {
	f := newFixture("alice", "bob")

	if err := f.engine.Submit(context.Background(), "room1", "alice", 5); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestSubmitLastWriteWins(t *testing.T) {
	f := newFixture("alice", "bob", "carol")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 100); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 10); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", -4); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "carol", -6); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ev := f.notifier.lastBroadcast(events.EventTypeFinalTable)
	if ev == nil {
		t.Fatal("expected a final_table broadcast")
	}
	st, _ := f.cache.GetRound(ctx, "room1")
	if st == nil {
		t.Fatal("round state gone before approval")
	}
	if st.Submissions["alice"] != 10 {
		t.Errorf("alice submission = %d, want the later value 10", st.Submissions["alice"])
	}
}

func TestNonzeroSumCancelsAtThreshold(t *testing.T) {
	f := newFixture("alice", "bob", "carol")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 10); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", 10); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "carol", 5); !apperr.IsInvalidState(err) {
		t.Fatalf("final nonzero submission: expected InvalidState, got %v", err)
	}

	if st, _ := f.cache.GetRound(ctx, "room1"); st != nil {
		t.Error("cancelled round state must be destroyed")
	}
	if _, ok := f.watchdogs.ArmedRound("room1"); ok {
		t.Error("watchdog must be disarmed after cancellation")
	}
	if ev := f.notifier.lastBroadcast(events.EventTypeRoundCancelled); ev == nil {
		t.Error("expected a round_cancelled broadcast")
	}
	if f.ledger.count() != 0 {
		t.Errorf("cancelled round must not reach the ledger, got %d records", f.ledger.count())
	}
	if err := f.engine.Approve(ctx, "room1", roundID, "alice"); !apperr.IsConflict(err) {
		t.Errorf("approval after cancellation: expected failure, got %v", err)
	}
}

func TestSubmitFromNonParticipant(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "carol", 5); !apperr.IsInvalidState(err) {
		t.Errorf("expected InvalidState, got %v", err)
	}
}

func TestSubmitAfterTableClosed(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 7); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", -7); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 1); !apperr.IsConflict(err) {
		t.Errorf("submit after threshold: expected Conflict, got %v", err)
	}
}

func TestUnanimousApprovalCommitsOnce(t *testing.T) {
	f := newFixture("alice", "bob", "carol")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for uid, v := range map[string]int64{"alice": 10, "bob": -4, "carol": -6} {
		if err := f.engine.Submit(ctx, "room1", uid, v); err != nil {
			t.Fatalf("Submit(%s) failed: %v", uid, err)
		}
	}

	if err := f.engine.Approve(ctx, "room1", roundID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := f.engine.Approve(ctx, "room1", roundID, "bob"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if f.ledger.count() != 0 {
		t.Fatalf("partial approval must not persist, got %d records", f.ledger.count())
	}

	if err := f.engine.Approve(ctx, "room1", roundID, "carol"); err != nil {
		t.Fatalf("final Approve failed: %v", err)
	}
	if f.ledger.count() != 1 {
		t.Fatalf("expected exactly one committed record, got %d", f.ledger.count())
	}
	rec, err := f.ledger.FindByRound(ctx, "room1", roundID)
	if err != nil {
		t.Fatalf("committed record not found: %v", err)
	}
	if rec.Sum() != 0 {
		t.Errorf("committed record sum = %d, want 0", rec.Sum())
	}
	if len(rec.Entries) != 3 || len(rec.ApprovedBy) != 3 {
		t.Errorf("unexpected record shape: %+v", rec)
	}

	if st, _ := f.cache.GetRound(ctx, "room1"); st != nil {
		t.Error("committed round state must be destroyed")
	}
	if _, ok := f.watchdogs.ArmedRound("room1"); ok {
		t.Error("watchdog must be disarmed after commit")
	}
	if ev := f.notifier.lastBroadcast(events.EventTypeFullyApproved); ev == nil {
		t.Error("expected a fully_approved broadcast")
	}
}

func TestApproveBeforeAllSubmitted(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 5); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Approve(ctx, "room1", roundID, "alice"); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestApproveWrongRound(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Approve(ctx, "room1", "PON-stale", "alice"); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestFinalize(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if _, _, err := f.engine.Finalize(ctx, "room1"); !apperr.IsConflict(err) {
		t.Errorf("no round: expected Conflict, got %v", err)
	}

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 8); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", -8); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	gotRound, table, err := f.engine.Finalize(ctx, "room1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if gotRound != roundID {
		t.Errorf("Finalize round = %q, want %q", gotRound, roundID)
	}
	if table["alice"] != 8 || table["bob"] != -8 {
		t.Errorf("unexpected table: %v", table)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if err := f.engine.Cancel(ctx, "room1", "changed our minds"); err != nil {
		t.Fatalf("cancel with no round must be a no-op, got %v", err)
	}

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Cancel(ctx, "room1", "changed our minds"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if st, _ := f.cache.GetRound(ctx, "room1"); st != nil {
		t.Error("cancelled round state must be destroyed")
	}
	if _, ok := f.watchdogs.ArmedRound("room1"); ok {
		t.Error("watchdog must be disarmed after cancellation")
	}
	if err := f.engine.Cancel(ctx, "room1", "again"); err != nil {
		t.Errorf("second cancel must be a no-op, got %v", err)
	}
}

func TestTimeoutCancelsStalledRound(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 5); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	f.clock.Advance(180 * time.Second)

	ev := f.notifier.waitForBroadcast(t, events.EventTypeRoundCancelled)
	var payload events.RoundCancelledPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("bad round_cancelled payload: %v", err)
	}
	if payload.Reason != "timeout" {
		t.Errorf("cancellation reason = %q, want timeout", payload.Reason)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := f.cache.GetRound(ctx, "room1")
		if st == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("round state not cleared after timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.ledger.count() != 0 {
		t.Errorf("timed-out round must not reach the ledger, got %d records", f.ledger.count())
	}
}

// A round nobody submits to must still announce its own death: the cache
// entry has to outlive the watchdog so the fire callback finds the state.
func TestTimeoutCancelsRoundWithNoSubmissions(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clock.Advance(180 * time.Second)

	ev := f.notifier.waitForBroadcast(t, events.EventTypeRoundCancelled)
	var payload events.RoundCancelledPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("bad round_cancelled payload: %v", err)
	}
	if payload.RoundID != roundID {
		t.Errorf("cancelled round = %q, want %q", payload.RoundID, roundID)
	}
	if payload.Reason != "timeout" {
		t.Errorf("cancellation reason = %q, want timeout", payload.Reason)
	}
}

// With a watchdog delay beyond the default cache TTL the round state must
// track the longer delay instead of lapsing early.
func TestTimeoutDelayLongerThanDefaultTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mem := cache.NewMemory(clock)
	notifier := &fakeNotifier{}
	presence := &fakePresence{present: map[string][]string{"room1": {"alice", "bob"}}}
	rooms := &fakeRooms{rooms: map[string]*models.Room{
		"room1": {ID: "room1", Name: "room one", CreatedBy: "alice", Members: []string{"alice", "bob"}},
	}}
	watchdogs := timeout.New(clock, 240*time.Second)
	engine := NewEngine(mem, &fakeLedger{}, rooms, presence, notifier, watchdogs)
	ctx := context.Background()

	if _, err := engine.Start(ctx, "room1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(239 * time.Second)
	if st, _ := mem.GetRound(ctx, "room1"); st == nil {
		t.Fatal("round state expired before the watchdog fired")
	}

	clock.Advance(time.Second)
	notifier.waitForBroadcast(t, events.EventTypeRoundCancelled)
}

func TestApprovalStatusFallsBackToLedger(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()

	roundID, err := f.engine.Start(ctx, "room1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "alice", 2); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Submit(ctx, "room1", "bob", -2); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.engine.Approve(ctx, "room1", roundID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	live, err := f.engine.ApprovalStatus(ctx, "room1", roundID)
	if err != nil {
		t.Fatalf("ApprovalStatus failed: %v", err)
	}
	if len(live) != 1 || live[0] != "alice" {
		t.Errorf("live approvals = %v, want [alice]", live)
	}

	if err := f.engine.Approve(ctx, "room1", roundID, "bob"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	committed, err := f.engine.ApprovalStatus(ctx, "room1", roundID)
	if err != nil {
		t.Fatalf("ApprovalStatus after commit failed: %v", err)
	}
	if len(committed) != 2 {
		t.Errorf("committed approvals = %v, want both participants", committed)
	}

	if _, err := f.engine.ApprovalStatus(ctx, "room1", "PON-never"); !apperr.IsNotFound(err) {
		t.Errorf("unknown round: expected NotFound, got %v", err)
	}
}
