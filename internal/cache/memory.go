package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/satopon/satopon/internal/models"
)

// Memory implements RoundCache and SettlementCache in process memory.
// Expiry is lazy: entries past their deadline are dropped on access, so no
// background reaper goroutine is needed. All operations are atomic under a
// single mutex; returned records are copies.
type Memory struct {
	clock clockwork.Clock

	mu          sync.Mutex
	rounds      map[string]*roundEntry
	settlements map[string]*settlementEntry
}

type roundEntry struct {
	state     models.RoundState
	expiresAt time.Time
}

type settlementEntry struct {
	req       models.SettlementRequest
	expiresAt time.Time
}

// NewMemory creates an empty cache driven by clock.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:       clock,
		rounds:      make(map[string]*roundEntry),
		settlements: make(map[string]*settlementEntry),
	}
}

func settlementKey(roomID, fromUID, toUID string) string {
	return fmt.Sprintf("%s:%s->%s", roomID, fromUID, toUID)
}

// liveRound returns the unexpired entry for roomID, dropping it if stale.
// Caller must hold mu.
func (m *Memory) liveRound(roomID string) *roundEntry {
	e, ok := m.rounds[roomID]
	if !ok {
		return nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.rounds, roomID)
		return nil
	}
	return e
}

func (m *Memory) liveSettlement(key string) *settlementEntry {
	e, ok := m.settlements[key]
	if !ok {
		return nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.settlements, key)
		return nil
	}
	return e
}

func (m *Memory) StartRound(ctx context.Context, st models.RoundState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyRoundState(st)
	if cp.Submissions == nil {
		cp.Submissions = make(map[string]int64)
	}
	if cp.Approvals == nil {
		cp.Approvals = make(map[string]bool)
	}
	m.rounds[st.RoomID] = &roundEntry{
		state:     cp,
		expiresAt: m.clock.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) GetRound(ctx context.Context, roomID string) (*models.RoundState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveRound(roomID)
	if e == nil {
		return nil, nil
	}
	cp := copyRoundState(e.state)
	return &cp, nil
}

func (m *Memory) PutSubmission(ctx context.Context, roomID, uid string, value int64, ttl time.Duration) (*models.RoundState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveRound(roomID)
	if e == nil {
		return nil, nil
	}
	e.state.Submissions[uid] = value
	e.expiresAt = m.clock.Now().Add(ttl)
	cp := copyRoundState(e.state)
	return &cp, nil
}

func (m *Memory) AddApproval(ctx context.Context, roomID, uid string, ttl time.Duration) (*models.RoundState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveRound(roomID)
	if e == nil {
		return nil, nil
	}
	e.state.Approvals[uid] = true
	e.expiresAt = m.clock.Now().Add(ttl)
	cp := copyRoundState(e.state)
	return &cp, nil
}

func (m *Memory) ClearRound(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rounds, roomID)
	return nil
}

func (m *Memory) PutRequest(ctx context.Context, req models.SettlementRequest, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settlementKey(req.RoomID, req.FromUID, req.ToUID)
	if m.liveSettlement(key) != nil {
		return false, nil
	}
	m.settlements[key] = &settlementEntry{
		req:       req,
		expiresAt: m.clock.Now().Add(ttl),
	}
	return true, nil
}

func (m *Memory) GetRequest(ctx context.Context, roomID, fromUID, toUID string) (*models.SettlementRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveSettlement(settlementKey(roomID, fromUID, toUID))
	if e == nil {
		return nil, nil
	}
	cp := e.req
	return &cp, nil
}

func (m *Memory) PendingForRecipient(ctx context.Context, roomID, toUID string) ([]models.SettlementRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SettlementRequest
	now := m.clock.Now()
	for key, e := range m.settlements {
		if !now.Before(e.expiresAt) {
			delete(m.settlements, key)
			continue
		}
		if e.req.RoomID == roomID && e.req.ToUID == toUID {
			out = append(out, e.req)
		}
	}
	return out, nil
}

func (m *Memory) ClearRequest(ctx context.Context, roomID, fromUID, toUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settlements, settlementKey(roomID, fromUID, toUID))
	return nil
}

func copyRoundState(st models.RoundState) models.RoundState {
	cp := st
	cp.Participants = append([]string(nil), st.Participants...)
	cp.Submissions = make(map[string]int64, len(st.Submissions))
	for k, v := range st.Submissions {
		cp.Submissions[k] = v
	}
	cp.Approvals = make(map[string]bool, len(st.Approvals))
	for k, v := range st.Approvals {
		cp.Approvals[k] = v
	}
	return cp
}
