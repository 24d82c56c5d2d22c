package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub manages WebSocket connections and the two broadcast scopes the engine
// uses: "match room" (everyone in the match) and "team room" (own team only).
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]*Connection // player_id -> connection
	matches     map[uuid.UUID][]uuid.UUID // match_id -> []player_id
	teams       map[string][]uuid.UUID    // match_id:team_id -> []player_id
	logger      zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[uuid.UUID]*Connection),
		matches:     make(map[uuid.UUID][]uuid.UUID),
		teams:       make(map[string][]uuid.UUID),
		logger:      logger,
	}
}

// RegisterConnection adds a connection for a player, replacing any stale one.
func (h *Hub) RegisterConnection(playerID uuid.UUID, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.connections[playerID]; exists {
		old.Close()
	}

	h.connections[playerID] = conn
	h.logger.Info().Str("player_id", playerID.String()).Msg("connection registered")
}

// UnregisterConnection removes a connection. Room membership is kept so a
// reconnecting player still belongs to their match and team scopes.
func (h *Hub) UnregisterConnection(playerID uuid.UUID, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A newer connection may have replaced this one already.
	if cur, exists := h.connections[playerID]; exists && cur == conn {
		cur.Close()
		delete(h.connections, playerID)
		h.logger.Info().Str("player_id", playerID.String()).Msg("connection unregistered")
	}
}

// JoinMatch associates a player with a match room.
func (h *Hub) JoinMatch(matchID, playerID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matches[matchID] = appendUnique(h.matches[matchID], playerID)
}

// JoinTeam associates a player with a team room inside a match.
func (h *Hub) JoinTeam(matchID uuid.UUID, teamID string, playerID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := matchID.String() + ":" + teamID
	h.teams[key] = appendUnique(h.teams[key], playerID)
}

// LeaveMatch removes a player from a match room and its team rooms.
func (h *Hub) LeaveMatch(matchID, playerID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.matches[matchID] = remove(h.matches[matchID], playerID)
	prefix := matchID.String() + ":"
	for key, members := range h.teams {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			h.teams[key] = remove(members, playerID)
		}
	}
}

// DropMatch tears down all room state for a match.
func (h *Hub) DropMatch(matchID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.matches, matchID)
	prefix := matchID.String() + ":"
	for key := range h.teams {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(h.teams, key)
		}
	}
}

// BroadcastToMatch sends a message to every player in a match room.
func (h *Hub) BroadcastToMatch(matchID uuid.UUID, msg Message) error {
	h.mu.RLock()
	players := append([]uuid.UUID(nil), h.matches[matchID]...)
	h.mu.RUnlock()

	var firstErr error
	for _, playerID := range players {
		if err := h.SendToUser(playerID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastToTeam sends a message to one team's players only.
func (h *Hub) BroadcastToTeam(matchID uuid.UUID, teamID string, msg Message) error {
	h.mu.RLock()
	players := append([]uuid.UUID(nil), h.teams[matchID.String()+":"+teamID]...)
	h.mu.RUnlock()

	var firstErr error
	for _, playerID := range players {
		if err := h.SendToUser(playerID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastAll sends a message to every connected player.
func (h *Hub) BroadcastAll(msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var firstErr error
	for playerID, conn := range h.connections {
		if err := conn.Send(msg); err != nil && firstErr == nil {
			firstErr = err
			h.logger.Warn().Err(err).Str("player_id", playerID.String()).Msg("broadcast_all_send_failed")
		}
	}
	return firstErr
}

// SendToUser delivers a message to a specific player. A missing connection is
// not an error worth surfacing to game logic; the player may live on another
// instance and be reached over the event bus instead.
func (h *Hub) SendToUser(playerID uuid.UUID, msg Message) error {
	h.mu.RLock()
	conn, exists := h.connections[playerID]
	h.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}
	return conn.Send(msg)
}

// Connected reports whether a player has a live connection on this instance.
func (h *Hub) Connected(playerID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.connections[playerID]
	return exists
}

func appendUnique(list []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func remove(list []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, existing := range list {
		if existing == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Connection represents a WebSocket connection with a buffered send queue.
type Connection struct {
	conn   *websocket.Conn
	sendCh chan Message
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewConnection wraps a WebSocket connection.
func NewConnection(conn *websocket.Conn, logger zerolog.Logger) *Connection {
	return &Connection{
		conn:   conn,
		sendCh: make(chan Message, 256),
		logger: logger,
	}
}

// Send queues a message for delivery.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts down the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.sendCh)
	c.conn.Close()
}

// WritePump sends messages from the send queue.
func (c *Connection) WritePump() {
	defer c.conn.Close()

	for msg := range c.sendCh {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Warn().Err(err).Msg("write error")
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ReadPump receives messages and calls the handler until the peer goes away.
func (c *Connection) ReadPump(handler func(Message) error) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			break
		}
		// Application-level messages also extend the deadline; clients answer
		// engine pings with app pongs, not ws control frames.
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if err := handler(msg); err != nil {
			c.logger.Warn().Err(err).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "Player connection not found"}
	ErrConnectionClosed   = &Error{Code: "connection_closed", Message: "Connection is closed"}
	ErrSendQueueFull      = &Error{Code: "send_queue_full", Message: "Send queue is full"}
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
