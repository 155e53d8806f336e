// Package timeout provides the per-room watchdog that force-cancels a round
// nobody finished. At most one timer is live per room; arming replaces any
// prior timer, and every path that terminates a round disarms it.
package timeout

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// FireFunc is invoked when a timer expires without being disarmed. It
// receives the round id captured at arm time so the callee can verify the
// round it is about to cancel is still the one that armed the timer.
type FireFunc func(roomID, roundID string)

// Supervisor owns one cancellable delayed task per room.
type Supervisor struct {
	clock clockwork.Clock
	delay time.Duration

	mu     sync.Mutex
	armed  map[string]*watchdog
	closed bool
}

type watchdog struct {
	roundID string
	timer   clockwork.Timer
	stop    chan struct{}
}

// New creates a Supervisor firing after delay.
func New(clock clockwork.Clock, delay time.Duration) *Supervisor {
	return &Supervisor{
		clock: clock,
		delay: delay,
		armed: make(map[string]*watchdog),
	}
}

// Delay reports how long an armed watchdog waits before firing.
func (s *Supervisor) Delay() time.Duration {
	return s.delay
}

// Arm starts the room's watchdog for roundID, replacing any existing timer.
func (s *Supervisor) Arm(roomID, roundID string, fire FireFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.armed[roomID]; ok {
		stopAndDrain(prev.timer)
		close(prev.stop)
	}
	w := &watchdog{
		roundID: roundID,
		timer:   s.clock.NewTimer(s.delay),
		stop:    make(chan struct{}),
	}
	s.armed[roomID] = w
	s.mu.Unlock()

	log.Debug().
		Str("room_id", roomID).
		Str("round_id", roundID).
		Dur("delay", s.delay).
		Msg("armed round watchdog")

	go func() {
		select {
		case <-w.timer.Chan():
			// Drop our entry unless a newer timer replaced it meanwhile.
			s.mu.Lock()
			if cur, ok := s.armed[roomID]; ok && cur == w {
				delete(s.armed, roomID)
			}
			s.mu.Unlock()

			log.Info().
				Str("room_id", roomID).
				Str("round_id", w.roundID).
				Msg("round watchdog fired")
			fire(roomID, w.roundID)
		case <-w.stop:
		}
	}()
}

// Disarm cancels the room's watchdog if one is live. Safe to call when none
// exists.
func (s *Supervisor) Disarm(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.armed[roomID]
	if !ok {
		return
	}
	stopAndDrain(w.timer)
	close(w.stop)
	delete(s.armed, roomID)

	log.Debug().Str("room_id", roomID).Msg("disarmed round watchdog")
}

// Close disarms every watchdog and rejects further arming. Used on shutdown.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for roomID, w := range s.armed {
		stopAndDrain(w.timer)
		close(w.stop)
		delete(s.armed, roomID)
	}
}

// ArmedRound returns the round id of the room's live timer, if any.
func (s *Supervisor) ArmedRound(roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.armed[roomID]
	if !ok {
		return "", false
	}
	return w.roundID, true
}

// stopAndDrain stops a timer and drains its channel so a fired-but-unread
// timer cannot leak into a later select.
func stopAndDrain(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
