package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler serves the /ws upgrade endpoint.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

// HandleConnection upgrades the request to a WebSocket session. The user id
// comes from the uid query parameter; in production it would come from the
// session token.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, uid); err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("failed to upgrade websocket connection")
		return
	}
}

// HandleStats reports connection and presence counts.
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	connections, rooms := h.connectionManager.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"connections":   connections,
		"rooms_present": rooms,
	})
}

// RegisterRoutes registers the WebSocket routes.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleStats)
}
