package models

import (
	"time"

	"github.com/google/uuid"
)

// PointEntry is a single signed delta for one user inside a ledger record.
type PointEntry struct {
	UID   string `json:"uid"`
	Value int64  `json:"value"`
}

// LedgerRecord is the only durable output of either workflow: an immutable
// set of per-user deltas that sum to exactly zero, plus the approver set.
// Only the soft-delete flag may change after creation.
type LedgerRecord struct {
	ID         uuid.UUID      `json:"id"`
	RoomID     string         `json:"room_id"`
	RoundID    string         `json:"round_id"`
	Entries    []PointEntry   `json:"entries"`
	ApprovedBy []string       `json:"approved_by"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	IsDeleted  bool           `json:"is_deleted"`
}

// Sum returns the total of all entry values. Zero for every valid record.
func (r *LedgerRecord) Sum() int64 {
	var total int64
	for _, e := range r.Entries {
		total += e.Value
	}
	return total
}

// RoundState is the ephemeral state of the one active round in a room.
// It lives only in the cache and is destroyed on commit, cancel, or TTL
// expiry.
type RoundState struct {
	RoomID       string           `json:"room_id"`
	RoundID      string           `json:"round_id"`
	Participants []string         `json:"participants"` // frozen at round start
	Submissions  map[string]int64 `json:"submissions"`
	Approvals    map[string]bool  `json:"approvals"`
	StartedAt    time.Time        `json:"started_at"`
}

// IsParticipant reports whether uid belongs to the frozen participant set.
func (s *RoundState) IsParticipant(uid string) bool {
	for _, p := range s.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// AllSubmitted reports whether every captured participant has submitted.
func (s *RoundState) AllSubmitted() bool {
	return len(s.Submissions) == len(s.Participants)
}

// AllApproved reports whether the approval set covers every captured
// participant.
func (s *RoundState) AllApproved() bool {
	for _, uid := range s.Participants {
		if !s.Approvals[uid] {
			return false
		}
	}
	return true
}

// SubmissionSum is the signed total of all current submissions.
func (s *RoundState) SubmissionSum() int64 {
	var total int64
	for _, v := range s.Submissions {
		total += v
	}
	return total
}

// ApprovedBy returns the approval set as a slice, participant order first.
func (s *RoundState) ApprovedBy() []string {
	out := make([]string, 0, len(s.Approvals))
	for _, uid := range s.Participants {
		if s.Approvals[uid] {
			out = append(out, uid)
		}
	}
	for uid := range s.Approvals {
		found := false
		for _, p := range s.Participants {
			if p == uid {
				found = true
				break
			}
		}
		if !found {
			out = append(out, uid)
		}
	}
	return out
}

// SettlementRequest is a pending two-party transfer proposal. Keyed by the
// ordered (room, from, to) triple; at most one may exist per key.
type SettlementRequest struct {
	RoomID    string    `json:"room_id"`
	FromUID   string    `json:"from_uid"`
	ToUID     string    `json:"to_uid"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Room is the membership view consumed by the workflow engines. Creation and
// administration happen outside this system.
type Room struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedBy  string    `json:"created_by"`
	Members    []string  `json:"members"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasMember reports whether uid belongs to the room.
func (r *Room) HasMember(uid string) bool {
	for _, m := range r.Members {
		if m == uid {
			return true
		}
	}
	return false
}
