// Package gateway is the WebSocket edge: one connection per user, room
// presence tracking, and event fan-out. Presence changes feed back into the
// round workflow because participant sets are frozen from the people present
// when a round starts.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/cache"
	"github.com/satopon/satopon/internal/events"
)

// RoundControl is what the gateway needs from the round workflow: presence
// changes cancel any round in flight. The call is a no-op when no round is
// active.
type RoundControl interface {
	Cancel(ctx context.Context, roomID, reason string) error
	CancelOnPresenceChange(ctx context.Context, roomID, reason string) error
}

// ClientFrame is a message received from a connected client.
type ClientFrame struct {
	Type   string `json:"type"` // enter_room, leave_room, cancel_round, ping
	RoomID string `json:"room_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// ConnectionManager owns every live WebSocket connection. A user has at most
// one connection; a new connection for the same uid displaces the old one.
// Room presence is derived from enter_room / leave_room frames, never from
// room membership.
type ConnectionManager struct {
	upgrader websocket.Upgrader
	config   ConnectionConfig

	mu    sync.RWMutex
	byUID map[string]*Connection
	rooms map[string]map[string]bool // roomID -> present uids

	settlements cache.SettlementCache
	rounds      RoundControl
}

// Connection represents one client's WebSocket session.
type Connection struct {
	ID      string
	UID     string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
}

// NewConnectionManager creates a manager. The round control hook is attached
// later with SetRoundControl because the round engine itself consumes the
// manager as its presence and notification source.
func NewConnectionManager(config ConnectionConfig, settlements cache.SettlementCache) *ConnectionManager {
	return &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		byUID:       make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		settlements: settlements,
	}
}

// SetRoundControl attaches the round workflow hook. Must be called before the
// first connection is accepted.
func (cm *ConnectionManager) SetRoundControl(rc RoundControl) {
	cm.rounds = rc
}

// UpgradeConnection upgrades an HTTP request to a WebSocket session for uid.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, uid string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UID:         uid,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("uid", uid).
		Msg("websocket connection established")

	return nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	prev := cm.byUID[conn.UID]
	cm.byUID[conn.UID] = conn
	cm.mu.Unlock()

	if prev != nil {
		log.Info().
			Str("uid", conn.UID).
			Str("old_connection_id", prev.ID).
			Msg("displacing previous connection for user")
		prev.Conn.Close()
	}
}

// unregister drops the connection and withdraws the user from every room it
// was present in. Ignores the call if a newer connection displaced this one.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	if cm.byUID[conn.UID] != conn {
		cm.mu.Unlock()
		return
	}
	delete(cm.byUID, conn.UID)
	close(conn.Send)

	var left []string
	for roomID, present := range cm.rooms {
		if present[conn.UID] {
			delete(present, conn.UID)
			if len(present) == 0 {
				delete(cm.rooms, roomID)
			}
			left = append(left, roomID)
		}
	}
	cm.mu.Unlock()

	// A dropped connection is a presence change for every room it was in.
	for _, roomID := range left {
		cm.presenceChanged(roomID, conn.UID, false)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("uid", conn.UID).
		Msg("websocket connection closed")
}

// EnterRoom marks uid present in the room, replays any settlement requests
// waiting for them, and cancels an in-flight round since the live participant
// set changed.
func (cm *ConnectionManager) EnterRoom(roomID, uid string) {
	cm.mu.Lock()
	if cm.rooms[roomID] == nil {
		cm.rooms[roomID] = make(map[string]bool)
	}
	already := cm.rooms[roomID][uid]
	cm.rooms[roomID][uid] = true
	cm.mu.Unlock()

	if already {
		return
	}

	cm.presenceChanged(roomID, uid, true)

	pending, err := cm.settlements.PendingForRecipient(context.Background(), roomID, uid)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("uid", uid).Msg("failed to replay pending settlements")
		return
	}
	for _, req := range pending {
		cm.Send(uid, events.SettleRequested(req.RoomID, req.FromUID, req.ToUID, req.Amount))
	}
}

// LeaveRoom withdraws uid from the room.
func (cm *ConnectionManager) LeaveRoom(roomID, uid string) {
	cm.mu.Lock()
	present := cm.rooms[roomID]
	was := present[uid]
	if was {
		delete(present, uid)
		if len(present) == 0 {
			delete(cm.rooms, roomID)
		}
	}
	cm.mu.Unlock()

	if was {
		cm.presenceChanged(roomID, uid, false)
	}
}

func (cm *ConnectionManager) presenceChanged(roomID, uid string, entered bool) {
	ev := events.UserLeft(roomID, uid)
	reason := "participant left the room"
	if entered {
		ev = events.UserEntered(roomID, uid)
		reason = "participant entered the room"
	}
	cm.Broadcast(cm.Present(roomID), ev)

	if cm.rounds != nil {
		if err := cm.rounds.CancelOnPresenceChange(context.Background(), roomID, reason); err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to cancel round on presence change")
		}
	}
}

// Present returns the uids currently in the room, sorted for stable
// participant capture.
func (cm *ConnectionManager) Present(roomID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	present := cm.rooms[roomID]
	out := make([]string, 0, len(present))
	for uid := range present {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Send delivers an event to one user. Returns false when the user has no
// live connection; the event is dropped, not queued.
func (cm *ConnectionManager) Send(uid string, ev events.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return false
	}

	cm.mu.RLock()
	conn, ok := cm.byUID[uid]
	cm.mu.RUnlock()
	if !ok {
		return false
	}
	cm.deliver(conn, data)
	return true
}

// Broadcast sends an event to every listed member with a live connection.
// Best effort, at most once per member.
func (cm *ConnectionManager) Broadcast(members []string, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	cm.mu.RLock()
	targets := make([]*Connection, 0, len(members))
	for _, uid := range members {
		if conn, ok := cm.byUID[uid]; ok {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.deliver(conn, data)
	}

	log.Debug().
		Str("type", string(ev.Type)).
		Str("room_id", ev.RoomID).
		Int("delivered", len(targets)).
		Msg("event broadcast")
}

func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		// Slow consumer: drop the connection rather than block the workflow.
		log.Warn().
			Str("connection_id", conn.ID).
			Str("uid", conn.UID).
			Msg("send buffer full, closing connection")
		conn.Conn.Close()
	}
}

// Stats reports connection and presence counts.
func (cm *ConnectionManager) Stats() (connections int, rooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byUID), len(cm.rooms)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write websocket message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientFrame(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientFrame(message []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().
			Str("connection_id", c.ID).
			Str("uid", c.UID).
			Msg("dropping malformed client frame")
		return
	}

	switch frame.Type {
	case "enter_room":
		if frame.RoomID == "" {
			return
		}
		c.Manager.EnterRoom(frame.RoomID, c.UID)

	case "leave_room":
		if frame.RoomID == "" {
			return
		}
		c.Manager.LeaveRoom(frame.RoomID, c.UID)

	case "cancel_round":
		if frame.RoomID == "" || c.Manager.rounds == nil {
			return
		}
		reason := frame.Reason
		if reason == "" {
			reason = "cancelled by " + c.UID
		}
		if err := c.Manager.rounds.Cancel(context.Background(), frame.RoomID, reason); err != nil {
			log.Error().Err(err).Str("room_id", frame.RoomID).Msg("client cancel failed")
		}

	case "ping":
		c.Manager.deliver(c, []byte(`{"type":"pong"}`))

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", frame.Type).
			Msg("ignoring unknown client frame")
	}
}
