// Package api is the HTTP surface for the round and settlement workflows.
// Every mutating route delegates to an engine; handlers only decode, dispatch
// and translate the error taxonomy to status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/apperr"
	"github.com/satopon/satopon/internal/models"
)

// RoundService is the round workflow surface the handlers call.
type RoundService interface {
	Start(ctx context.Context, roomID string) (string, error)
	Submit(ctx context.Context, roomID, uid string, value int64) error
	Finalize(ctx context.Context, roomID string) (string, map[string]int64, error)
	Approve(ctx context.Context, roomID, roundID, uid string) error
	Cancel(ctx context.Context, roomID, reason string) error
	ApprovalStatus(ctx context.Context, roomID, roundID string) ([]string, error)
}

// SettlementService is the settlement workflow surface the handlers call.
type SettlementService interface {
	Request(ctx context.Context, roomID, fromUID, toUID string, amount int64) error
	Approve(ctx context.Context, roomID, fromUID, toUID string) (string, error)
	Reject(ctx context.Context, roomID, fromUID, toUID string) error
	History(ctx context.Context, roomID string) ([]models.LedgerRecord, error)
	HistoryByUser(ctx context.Context, uid string) ([]models.LedgerRecord, error)
}

// RecordService covers the direct record operations not owned by a workflow.
type RecordService interface {
	SoftDelete(ctx context.Context, roomID, roundID string) error
}

// RoomService resolves room ownership for the owner-only delete route.
type RoomService interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
}

// Handler serves the REST routes.
type Handler struct {
	rounds      RoundService
	settlements SettlementService
	records     RecordService
	rooms       RoomService
}

func NewHandler(rounds RoundService, settlements SettlementService, records RecordService, rooms RoomService) *Handler {
	return &Handler{rounds: rounds, settlements: settlements, records: records, rooms: rooms}
}

// RegisterRoutes attaches every API route to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms/{room}/round/start", h.handleRoundStart)
	mux.HandleFunc("POST /api/rooms/{room}/round/submit", h.handleRoundSubmit)
	mux.HandleFunc("POST /api/rooms/{room}/round/finalize", h.handleRoundFinalize)
	mux.HandleFunc("POST /api/rooms/{room}/round/approve", h.handleRoundApprove)
	mux.HandleFunc("POST /api/rooms/{room}/round/cancel", h.handleRoundCancel)
	mux.HandleFunc("GET /api/rooms/{room}/round/{round}/approvals", h.handleRoundApprovals)

	mux.HandleFunc("POST /api/rooms/{room}/settle/request", h.handleSettleRequest)
	mux.HandleFunc("POST /api/rooms/{room}/settle/approve", h.handleSettleApprove)
	mux.HandleFunc("POST /api/rooms/{room}/settle/reject", h.handleSettleReject)

	mux.HandleFunc("GET /api/rooms/{room}/history", h.handleRoomHistory)
	mux.HandleFunc("GET /api/users/{uid}/history", h.handleUserHistory)
	mux.HandleFunc("DELETE /api/rooms/{room}/records/{round}", h.handleRecordDelete)
}

type submitRequest struct {
	UID   string `json:"uid"`
	Value int64  `json:"value"`
}

type approveRequest struct {
	RoundID string `json:"round_id"`
	UID     string `json:"uid"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type settleBody struct {
	FromUID string `json:"from_uid"`
	ToUID   string `json:"to_uid"`
	Amount  int64  `json:"amount"`
}

func (h *Handler) handleRoundStart(w http.ResponseWriter, r *http.Request) {
	roundID, err := h.rounds.Start(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"round_id": roundID})
}

func (h *Handler) handleRoundSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if !decode(w, r, &body) {
		return
	}
	if body.UID == "" {
		writeBadRequest(w, "uid is required")
		return
	}
	if err := h.rounds.Submit(r.Context(), r.PathValue("room"), body.UID, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (h *Handler) handleRoundFinalize(w http.ResponseWriter, r *http.Request) {
	roundID, table, err := h.rounds.Finalize(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": roundID, "table": table})
}

func (h *Handler) handleRoundApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if !decode(w, r, &body) {
		return
	}
	if body.RoundID == "" || body.UID == "" {
		writeBadRequest(w, "round_id and uid are required")
		return
	}
	if err := h.rounds.Approve(r.Context(), r.PathValue("room"), body.RoundID, body.UID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *Handler) handleRoundCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if !decode(w, r, &body) {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	if err := h.rounds.Cancel(r.Context(), r.PathValue("room"), reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleRoundApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.rounds.ApprovalStatus(r.Context(), r.PathValue("room"), r.PathValue("round"))
	if err != nil {
		writeError(w, err)
		return
	}
	if approvals == nil {
		approvals = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved_by": approvals})
}

func (h *Handler) handleSettleRequest(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if !decode(w, r, &body) {
		return
	}
	if body.FromUID == "" || body.ToUID == "" {
		writeBadRequest(w, "from_uid and to_uid are required")
		return
	}
	if err := h.settlements.Request(r.Context(), r.PathValue("room"), body.FromUID, body.ToUID, body.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "requested"})
}

func (h *Handler) handleSettleApprove(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if !decode(w, r, &body) {
		return
	}
	if body.FromUID == "" || body.ToUID == "" {
		writeBadRequest(w, "from_uid and to_uid are required")
		return
	}
	recordID, err := h.settlements.Approve(r.Context(), r.PathValue("room"), body.FromUID, body.ToUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"record_id": recordID})
}

func (h *Handler) handleSettleReject(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if !decode(w, r, &body) {
		return
	}
	if body.FromUID == "" || body.ToUID == "" {
		writeBadRequest(w, "from_uid and to_uid are required")
		return
	}
	if err := h.settlements.Reject(r.Context(), r.PathValue("room"), body.FromUID, body.ToUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *Handler) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.settlements.History(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.LedgerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.settlements.HistoryByUser(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.LedgerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleRecordDelete soft-deletes a record. Only the room owner may do it.
func (h *Handler) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeBadRequest(w, "uid is required")
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	if room.CreatedBy != uid {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only the room owner can delete records"})
		return
	}

	if err := h.records.SoftDelete(r.Context(), room.ID, r.PathValue("round")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps the error taxonomy to HTTP status codes. Unknown errors
// become 500 without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Kind {
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		case apperr.KindInvalidState:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{"error": appErr.Msg})
		return
	}

	log.Error().Err(err).Msg("internal error")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
