package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []string // "room/round"
	ch    chan struct{}
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan struct{}, 16)}
}

func (f *fireRecorder) fire(roomID, roundID string) {
	f.mu.Lock()
	f.fires = append(f.fires, roomID+"/"+roundID)
	f.mu.Unlock()
	f.ch <- struct{}{}
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func (f *fireRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watchdog to fire")
	}
}

func TestFiresAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, 180*time.Second)
	defer s.Close()
	rec := newFireRecorder()

	s.Arm("r1", "PON-1", rec.fire)

	clock.BlockUntil(1)
	clock.Advance(180 * time.Second)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.fires) != 1 || rec.fires[0] != "r1/PON-1" {
		t.Fatalf("unexpected fires: %v", rec.fires)
	}
}

func TestDisarmPreventsFiring(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, 180*time.Second)
	defer s.Close()
	rec := newFireRecorder()

	s.Arm("r1", "PON-1", rec.fire)
	clock.BlockUntil(1)
	s.Disarm("r1")
	clock.Advance(200 * time.Second)

	if rec.count() != 0 {
		t.Fatalf("disarmed watchdog fired: %v", rec.fires)
	}
	if _, ok := s.ArmedRound("r1"); ok {
		t.Error("watchdog still registered after disarm")
	}
}

func TestRearmReplacesTimerAndRound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, 180*time.Second)
	defer s.Close()
	rec := newFireRecorder()

	s.Arm("r1", "PON-1", rec.fire)
	clock.BlockUntil(1)
	s.Arm("r1", "PON-2", rec.fire)
	clock.BlockUntil(1)

	if round, _ := s.ArmedRound("r1"); round != "PON-2" {
		t.Fatalf("expected armed round PON-2, got %s", round)
	}

	clock.Advance(180 * time.Second)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	// Only the second round's watchdog may fire, exactly once.
	if len(rec.fires) != 1 || rec.fires[0] != "r1/PON-2" {
		t.Fatalf("expected single fire for PON-2, got %v", rec.fires)
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, 180*time.Second)
	defer s.Close()
	rec := newFireRecorder()

	s.Arm("r1", "PON-1", rec.fire)
	s.Arm("r2", "PON-9", rec.fire)
	clock.BlockUntil(2)
	s.Disarm("r1")

	clock.Advance(180 * time.Second)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.fires) != 1 || rec.fires[0] != "r2/PON-9" {
		t.Fatalf("unexpected fires: %v", rec.fires)
	}
}

func TestDisarmWithoutArmIsNoop(t *testing.T) {
	s := New(clockwork.NewFakeClock(), time.Minute)
	defer s.Close()
	s.Disarm("never-armed")
}

func TestCloseStopsEverything(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, time.Minute)
	rec := newFireRecorder()

	s.Arm("r1", "PON-1", rec.fire)
	s.Arm("r2", "PON-2", rec.fire)
	clock.BlockUntil(2)
	s.Close()

	clock.Advance(2 * time.Minute)
	if rec.count() != 0 {
		t.Fatalf("watchdogs fired after Close: %v", rec.fires)
	}

	// Arming after Close is ignored.
	s.Arm("r3", "PON-3", rec.fire)
	if _, ok := s.ArmedRound("r3"); ok {
		t.Error("supervisor accepted Arm after Close")
	}
}
