package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/protocol"
)

// SessionHandler receives connection lifecycle callbacks and inbound
// frames from the transport.
type SessionHandler interface {
	OnConnect(conn *Connection)
	OnDisconnect(conn *Connection)
	OnMessage(conn *Connection, data []byte)
}

// ConnectionManager manages the websocket connections of all rooms.
type ConnectionManager struct {
	// Connection pools organized by room id.
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	session  SessionHandler

	broadcastCh chan broadcastMessage
}

// Connection represents one client's websocket connection.
type Connection struct {
	ID       string
	clientID string
	roomID   string
	conn     *websocket.Conn
	manager  *ConnectionManager

	// sendMu orders enqueues against the close of send on unregister.
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

var (
	errSendBufferFull   = errors.New("send buffer full")
	errConnectionClosed = errors.New("connection closed")
)

// ClientID returns the client identifier bound at upgrade time.
func (c *Connection) ClientID() string { return c.clientID }

// RoomID returns the room this connection belongs to.
func (c *Connection) RoomID() string { return c.roomID }

// Send marshals and unicasts a frame on this connection. The frame is
// dropped with an error when the send buffer is full or the connection
// has been unregistered.
func (c *Connection) Send(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}
	if err := c.trySend(data); err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	return nil
}

// trySend enqueues a frame without blocking. It is the only writer to
// the send channel, so unregistering can close the channel safely under
// the same mutex.
func (c *Connection) trySend(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// ConnectionConfig holds websocket transport tunables.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	roomID   string
	clientID string // non-empty: deliver only to this client
	msg      protocol.ServerMessage
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetSessionHandler wires the message dispatcher. Must be called before
// the first upgrade.
func (cm *ConnectionManager) SetSessionHandler(h SessionHandler) {
	cm.session = h
}

// Start processes broadcast messages until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket connection
// bound to a room and client id.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, roomID, clientID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		clientID:    clientID,
		roomID:      roomID,
		conn:        conn,
		send:        make(chan []byte, cm.config.SendBufferSize),
		manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)
	if cm.session != nil {
		cm.session.OnConnect(connection)
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("client_id", clientID).
		Str("room_id", roomID).
		Msg("websocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.roomID] == nil {
		cm.roomConnections[conn.roomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.roomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.roomID).
		Int("total_connections", len(cm.roomConnections[conn.roomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.roomConnections[conn.roomID]
	if !exists {
		cm.mu.Unlock()
		return
	}
	if _, exists := connections[conn]; !exists {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	conn.sendMu.Lock()
	conn.closed = true
	close(conn.send)
	conn.sendMu.Unlock()
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.roomID)
	}
	cm.mu.Unlock()

	if cm.session != nil {
		cm.session.OnDisconnect(conn)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("client_id", conn.clientID).
		Str("room_id", conn.roomID).
		Msg("connection unregistered")
}

// BroadcastToRoom sends a frame to every connection in a room.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, msg protocol.ServerMessage) {
	select {
	case cm.broadcastCh <- broadcastMessage{roomID: roomID, msg: msg}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// SendToClient sends a frame to one client in a room.
func (cm *ConnectionManager) SendToClient(roomID, clientID string, msg protocol.ServerMessage) {
	select {
	case cm.broadcastCh <- broadcastMessage{roomID: roomID, clientID: clientID, msg: msg}:
	default:
		log.Warn().
			Str("room_id", roomID).
			Str("client_id", clientID).
			Msg("broadcast channel full, dropping client message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.roomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Snapshot so the lock is not held while sending.
	var targets []*Connection
	for conn := range connections {
		if message.clientID != "" && conn.clientID != message.clientID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}

	for _, conn := range targets {
		switch err := conn.trySend(data); {
		case err == nil:
		case errors.Is(err, errSendBufferFull):
			// A slow client must not block delivery to the room.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("client_id", conn.clientID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.conn.Close()
		default:
			// Connection went away between snapshot and send.
		}
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	roomCounts := make(map[string]int)
	for roomID, connections := range cm.roomConnections {
		count := len(connections)
		totalConnections += count
		roomCounts[roomID] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_rooms":      len(cm.roomConnections),
		"room_connections":  roomCounts,
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads frames off the wire and hands them to the session
// handler.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregisterConnection(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		if c.manager.session != nil {
			c.manager.session.OnMessage(c, message)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
