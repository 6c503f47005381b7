package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/events"
)

// EventTypeSnapshot marks a full session view sent on connect and on resync.
const EventTypeSnapshot events.EventType = "snapshot"

// SnapshotProvider returns the current view of a session. Satisfied by *match.Coordinator.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, viewer uuid.UUID, id uuid.UUID) (*events.SessionView, error)
}

// ConnectionManager tracks websocket subscribers per session.
type ConnectionManager struct {
	sessions map[uuid.UUID]map[*Connection]bool
	mu       sync.RWMutex

	upgrader  websocket.Upgrader
	config    ConnectionConfig
	snapshots SnapshotProvider

	broadcastCh chan events.Envelope
	dropped     int64
}

// Connection is one websocket subscribed to one session. Participants and
// spectators receive the same stream.
type Connection struct {
	ID        string
	UserID    uuid.UUID
	SessionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time

	mu       sync.Mutex
	lastSeen int64
	closed   bool
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, snapshots SnapshotProvider) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		snapshots:   snapshots,
		broadcastCh: make(chan events.Envelope, 1000),
	}
}

// Start delivers queued envelopes until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case env := <-cm.broadcastCh:
			cm.handleBroadcast(env)
		}
	}
}

// UpgradeConnection upgrades the request and subscribes the socket to sessionID.
// The first message the client receives is a snapshot of the session.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, sessionID uuid.UUID) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		Conn:        ws,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	// Registered before the snapshot is read so no delta committed in between is lost.
	cm.registerConnection(conn)
	if err := cm.sendSnapshot(r.Context(), conn, false); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("initial snapshot failed")
	}

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessions[conn.SessionID] == nil {
		cm.sessions[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessions[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Int("session_connections", len(cm.sessions[conn.SessionID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.sessions[conn.SessionID]
	if !ok || !conns[conn] {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(cm.sessions, conn.SessionID)
	}
	conn.close()

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for id, conns := range cm.sessions {
		for conn := range conns {
			conn.close()
		}
		delete(cm.sessions, id)
	}
}

// Broadcast queues env for every subscriber of its session.
func (cm *ConnectionManager) Broadcast(env events.Envelope) error {
	select {
	case cm.broadcastCh <- env:
		return nil
	default:
		cm.mu.Lock()
		cm.dropped++
		cm.mu.Unlock()
		return fmt.Errorf("broadcast queue full, dropping %s for session %s", env.EventType, env.SessionID)
	}
}

func (cm *ConnectionManager) handleBroadcast(env events.Envelope) {
	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("envelope with invalid session id")
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal envelope for broadcast")
		return
	}

	targets := cm.subscribers(sessionID)
	delivered := 0
	for _, conn := range targets {
		ok, full := conn.deliver(env.StateVersion, env.Stale, data)
		if full {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			continue
		}
		if ok {
			delivered++
		}
	}

	log.Debug().
		Str("event_type", string(env.EventType)).
		Str("session_id", env.SessionID).
		Int64("state_version", env.StateVersion).
		Int("connections", len(targets)).
		Int("delivered", delivered).
		Msg("envelope broadcast")
}

func (cm *ConnectionManager) subscribers(sessionID uuid.UUID) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.sessions[sessionID]))
	for conn := range cm.sessions[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// sendSnapshot pushes the current view to conn. Unless force is set, a snapshot
// older than what conn already saw is skipped.
func (cm *ConnectionManager) sendSnapshot(ctx context.Context, conn *Connection, force bool) error {
	if cm.snapshots == nil {
		return nil
	}
	view, err := cm.snapshots.GetSnapshot(ctx, conn.UserID, conn.SessionID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	version := view.Session.Version
	payload, err := json.Marshal(events.Delta{
		SessionID:    conn.SessionID,
		StateVersion: version,
		Type:         EventTypeSnapshot,
		View:         *view,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data, err := json.Marshal(events.Envelope{
		EventType:    EventTypeSnapshot,
		SessionID:    conn.SessionID.String(),
		StateVersion: version,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	stale := func(lastSeen int64) bool { return !force && version <= lastSeen }
	if _, full := conn.deliver(version, stale, data); full {
		cm.unregisterConnection(conn)
		return fmt.Errorf("send buffer full")
	}
	return nil
}

type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
	Dropped            int64          `json:"dropped"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveSessions:     len(cm.sessions),
		SessionConnections: make(map[string]int, len(cm.sessions)),
		Dropped:            cm.dropped,
	}
	for id, conns := range cm.sessions {
		stats.TotalConnections += len(conns)
		stats.SessionConnections[id.String()] = len(conns)
	}
	return stats
}

// deliver enqueues data unless it is stale for this connection. It reports
// whether data was queued and whether the send buffer overflowed.
func (c *Connection) deliver(version int64, stale func(int64) bool, data []byte) (ok, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || stale(c.lastSeen) {
		return false, false
	}
	select {
	case c.Send <- data:
		if version > c.lastSeen {
			c.lastSeen = version
		}
		return true, false
	default:
		return false, true
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
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
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
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
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleClientMessage serves {"type":"resync"}, which resends the full view.
// Moves and other commands go through the RPC service, not the socket.
func (c *Connection) handleClientMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}

	switch msg.Type {
	case "resync":
		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
		defer cancel()
		if err := c.Manager.sendSnapshot(ctx, c, true); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("resync failed")
		}
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("ignoring client message")
	}
}
