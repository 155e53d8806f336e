package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a workflow event pushed to clients.
type EventType string

const (
	EventTypeRoundStarted    EventType = "round_started"
	EventTypeSubmitted       EventType = "submitted"
	EventTypeFinalTable      EventType = "final_table"
	EventTypeApproved        EventType = "approved"
	EventTypeFullyApproved   EventType = "fully_approved"
	EventTypeRoundCancelled  EventType = "round_cancelled"
	EventTypeSettleRequested EventType = "settle_requested"
	EventTypeSettleCompleted EventType = "settle_completed"
	EventTypeSettleRejected  EventType = "settle_rejected"
	EventTypeUserEntered     EventType = "user_entered"
	EventTypeUserLeft        EventType = "user_left"
)

// Event is the envelope pushed over the notification channel.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// RoundStartedPayload announces a fresh round to all room members.
type RoundStartedPayload struct {
	RoundID string `json:"round_id"`
}

// SubmittedPayload announces that one participant has submitted. The value
// itself is withheld until the final table.
type SubmittedPayload struct {
	RoundID string `json:"round_id"`
	UID     string `json:"uid"`
}

// FinalTablePayload carries the complete zero-sum submission table.
type FinalTablePayload struct {
	RoundID string           `json:"round_id"`
	Table   map[string]int64 `json:"table"`
}

// ApprovedPayload announces a single approval.
type ApprovedPayload struct {
	RoundID string `json:"round_id"`
	UID     string `json:"uid"`
}

// FullyApprovedPayload announces that the round was committed to the ledger.
type FullyApprovedPayload struct {
	RoundID    string   `json:"round_id"`
	ApprovedBy []string `json:"approved_by"`
}

// RoundCancelledPayload announces round cancellation with its reason.
type RoundCancelledPayload struct {
	RoundID string `json:"round_id"`
	Reason  string `json:"reason"`
}

// SettleRequestedPayload is delivered to the recipient only.
type SettleRequestedPayload struct {
	FromUID string `json:"from_uid"`
	ToUID   string `json:"to_uid"`
	Amount  int64  `json:"amount"`
}

// SettleCompletedPayload is broadcast to the whole room after commit.
type SettleCompletedPayload struct {
	FromUID string `json:"from_uid"`
	ToUID   string `json:"to_uid"`
	Amount  int64  `json:"amount"`
}

// SettleRejectedPayload is delivered to the requester only.
type SettleRejectedPayload struct {
	FromUID string `json:"from_uid"`
	ToUID   string `json:"to_uid"`
}

// PresencePayload accompanies user_entered / user_left events.
type PresencePayload struct {
	UID string `json:"uid"`
}

// New wraps a payload in an Event envelope. Payloads are plain structs so a
// marshal failure is a programming error; it yields an empty data field
// rather than a dropped event.
func New(roomID string, t EventType, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func RoundStarted(roomID, roundID string) Event {
	return New(roomID, EventTypeRoundStarted, RoundStartedPayload{RoundID: roundID})
}

func Submitted(roomID, roundID, uid string) Event {
	return New(roomID, EventTypeSubmitted, SubmittedPayload{RoundID: roundID, UID: uid})
}

func FinalTable(roomID, roundID string, table map[string]int64) Event {
	return New(roomID, EventTypeFinalTable, FinalTablePayload{RoundID: roundID, Table: table})
}

func Approved(roomID, roundID, uid string) Event {
	return New(roomID, EventTypeApproved, ApprovedPayload{RoundID: roundID, UID: uid})
}

func FullyApproved(roomID, roundID string, approvedBy []string) Event {
	return New(roomID, EventTypeFullyApproved, FullyApprovedPayload{RoundID: roundID, ApprovedBy: approvedBy})
}

func RoundCancelled(roomID, roundID, reason string) Event {
	return New(roomID, EventTypeRoundCancelled, RoundCancelledPayload{RoundID: roundID, Reason: reason})
}

func SettleRequested(roomID, from, to string, amount int64) Event {
	return New(roomID, EventTypeSettleRequested, SettleRequestedPayload{FromUID: from, ToUID: to, Amount: amount})
}

func SettleCompleted(roomID, from, to string, amount int64) Event {
	return New(roomID, EventTypeSettleCompleted, SettleCompletedPayload{FromUID: from, ToUID: to, Amount: amount})
}

func SettleRejected(roomID, from, to string) Event {
	return New(roomID, EventTypeSettleRejected, SettleRejectedPayload{FromUID: from, ToUID: to})
}

func UserEntered(roomID, uid string) Event {
	return New(roomID, EventTypeUserEntered, PresencePayload{UID: uid})
}

func UserLeft(roomID, uid string) Event {
	return New(roomID, EventTypeUserLeft, PresencePayload{UID: uid})
}
