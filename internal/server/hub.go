// Package server implements the authoritative side of the quizsync
// protocol: a WebSocket hub that answers clock-sync exchanges with the
// server clock and broadcasts phase deadlines to every client in a game.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizsync/internal/protocol"
)

// Hub manages WebSocket connections grouped by game room.
type Hub struct {
	gameConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock
	metrics  *Metrics

	broadcastCh chan broadcastMessage
}

// Connection represents one client in one game room.
type Connection struct {
	ID     string
	GameID uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub

	ConnectedAt time.Time

	// closed marks Send as closed. Guarded by Hub.mu: unregistration holds
	// the write lock, every queueing path checks under the read lock.
	closed bool
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	GameID  uuid.UUID
	Message *protocol.Message
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewHub creates a new game connection hub.
func NewHub(config ConnectionConfig, clock clockwork.Clock, metrics *Metrics) *Hub {
	return &Hub{
		gameConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		clock:       clock,
		metrics:     metrics,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Run processes broadcast messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hub shutting down")
			return
		case message := <-h.broadcastCh:
			h.handleBroadcast(message)
		}
	}
}

// nowMs returns the authoritative server time in epoch milliseconds.
func (h *Hub) nowMs() int64 {
	return h.clock.Now().UnixMilli()
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and joins it
// to a game room. The new client immediately receives a sync_push so it has
// a first (degraded) clock estimate before its own exchange completes.
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request, gameID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		GameID:      gameID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Hub:         h,
		ConnectedAt: h.clock.Now(),
	}

	h.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	connection.sendSyncPush()

	log.Info().
		Str("connection_id", connection.ID).
		Str("game_id", gameID.String()).
		Msg("client connected")

	return nil
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gameConnections[conn.GameID] == nil {
		h.gameConnections[conn.GameID] = make(map[*Connection]bool)
	}
	h.gameConnections[conn.GameID][conn] = true

	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if connections, exists := h.gameConnections[conn.GameID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			conn.closed = true
			close(conn.Send)

			if len(connections) == 0 {
				delete(h.gameConnections, conn.GameID)
			}

			if h.metrics != nil {
				h.metrics.ConnectedClients.Dec()
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("game_id", conn.GameID.String()).
				Msg("client disconnected")
		}
	}
}

// AnnounceDeadline broadcasts a phase deadline to every client in a game.
// The announcement is stamped with the server time it was sent at, so each
// client can anchor its countdown on that timestamp instead of its global
// offset estimate.
func (h *Hub) AnnounceDeadline(gameID uuid.UUID, payload protocol.DeadlineAnnouncePayload) error {
	if payload.AnnouncedMs == 0 {
		payload.AnnouncedMs = h.nowMs()
	}
	msg, err := protocol.NewMessage(gameID.String(), protocol.TypeDeadlineAnnounce, payload)
	if err != nil {
		return err
	}
	h.broadcast(gameID, msg)
	if h.metrics != nil {
		h.metrics.DeadlineAnnouncements.Inc()
	}
	return nil
}

// ClearDeadline tells every client in a game that the phase ended.
func (h *Hub) ClearDeadline(gameID uuid.UUID) error {
	msg, err := protocol.NewMessage(gameID.String(), protocol.TypeDeadlineClear, struct{}{})
	if err != nil {
		return err
	}
	h.broadcast(gameID, msg)
	return nil
}

// DisconnectGame forcibly closes every connection in a game room, e.g. when
// the game engine invalidates a session. Clients observe a dropped
// connection and discard their sync state.
func (h *Hub) DisconnectGame(gameID uuid.UUID) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.gameConnections[gameID]))
	for conn := range h.gameConnections[gameID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Conn.Close()
	}

	log.Info().
		Str("game_id", gameID.String()).
		Int("connections", len(targets)).
		Msg("game disconnected")
}

type sendResult int

const (
	sendOK sendResult = iota
	sendClosed
	sendFull
)

// trySend queues data for one connection without blocking. The read lock
// excludes unregistration, so a connection seen open here cannot have its
// Send channel closed mid-send.
func (h *Hub) trySend(conn *Connection, data []byte) sendResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return sendClosed
	}
	select {
	case conn.Send <- data:
		return sendOK
	default:
		return sendFull
	}
}

func (h *Hub) broadcast(gameID uuid.UUID, msg *protocol.Message) {
	select {
	case h.broadcastCh <- broadcastMessage{GameID: gameID, Message: msg}:
	default:
		log.Warn().Str("game_id", gameID.String()).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) handleBroadcast(message broadcastMessage) {
	h.mu.RLock()
	connections, exists := h.gameConnections[message.GameID]
	if !exists {
		h.mu.RUnlock()
		return
	}

	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(message.Message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast message")
		return
	}

	for _, conn := range targets {
		switch h.trySend(conn, data) {
		case sendOK, sendClosed:
		case sendFull:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			h.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}

	log.Debug().
		Str("type", string(message.Message.Type)).
		Str("game_id", message.GameID.String()).
		Int("connections", len(targets)).
		Msg("message broadcasted")
}

// Stats returns per-game connection counts.
func (h *Hub) Stats() (total int, games int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, connections := range h.gameConnections {
		total += len(connections)
	}
	return total, len(h.gameConnections)
}

// sendSyncPush queues an unsolicited server timestamp for this connection.
func (c *Connection) sendSyncPush() {
	msg, err := protocol.NewMessage(c.GameID.String(), protocol.TypeSyncPush, protocol.SyncPushPayload{
		ServerMs: c.Hub.nowMs(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build sync push")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal sync push")
		return
	}
	c.Hub.trySend(c, data)
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Hub.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	}
}

// handleClientMessage processes one client message. The sync response is
// sent from the read pump so the server timestamp is taken as close to
// receipt as possible; a broadcast hop would only add latency noise to the
// exchange.
func (c *Connection) handleClientMessage(data []byte) {
	receivedMs := c.Hub.nowMs()

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().
			Str("connection_id", c.ID).
			Err(err).
			Msg("dropping unparseable client message")
		return
	}

	switch msg.Type {
	case protocol.TypeSyncRequest:
		var payload protocol.SyncRequestPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Debug().Str("connection_id", c.ID).Err(err).Msg("dropping malformed sync request")
			return
		}
		c.sendSyncResponse(payload.ClientSendMs, receivedMs)
		if c.Hub.metrics != nil {
			c.Hub.metrics.SyncExchanges.Inc()
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(msg.Type)).
			Msg("ignoring client message")
	}
}

func (c *Connection) sendSyncResponse(clientSendMs, serverMs int64) {
	msg, err := protocol.NewMessage(c.GameID.String(), protocol.TypeSyncResponse, protocol.SyncResponsePayload{
		ClientSendMs: clientSendMs,
		ServerMs:     serverMs,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build sync response")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal sync response")
		return
	}
	if c.Hub.trySend(c, data) == sendFull {
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping sync response")
	}
}
