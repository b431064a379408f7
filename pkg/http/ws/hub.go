package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 * 1024
)

// Hub manages the WebSocket connections held by this instance and the rooms
// their users belong to. One live connection per user; a newer connection
// replaces the older one.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection         // user_id -> connection
	rooms       map[string]map[string]struct{} // room -> user_ids
	logger      zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]struct{}),
		logger:      logger.With().Str("component", "ws_hub").Logger(),
	}
}

// RegisterConnection adds a connection for a user, closing any previous one.
func (h *Hub) RegisterConnection(conn *Connection) {
	h.mu.Lock()
	old, exists := h.connections[conn.UserID]
	h.connections[conn.UserID] = conn
	h.mu.Unlock()

	if exists && old != conn {
		old.Close()
	}
	h.logger.Debug().Str("user_id", conn.UserID).Str("conn", conn.Ref).Msg("connection registered")
}

// UnregisterConnection removes conn if it is still the user's current
// connection and returns the rooms the user was in. A replaced connection
// unregistering late returns nil and leaves room membership alone.
func (h *Hub) UnregisterConnection(conn *Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.connections[conn.UserID]
	if !exists || current != conn {
		conn.Close()
		return nil
	}
	conn.Close()
	delete(h.connections, conn.UserID)

	var left []string
	for room, users := range h.rooms {
		if _, ok := users[conn.UserID]; ok {
			delete(users, conn.UserID)
			left = append(left, room)
			if len(users) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.logger.Debug().Str("user_id", conn.UserID).Strs("rooms", left).Msg("connection unregistered")
	return left
}

// Join adds a locally connected user to a room. Users without a connection
// on this instance are ignored.
func (h *Hub) Join(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[userID]; !ok {
		return
	}
	users, ok := h.rooms[room]
	if !ok {
		users = make(map[string]struct{})
		h.rooms[room] = users
	}
	users[userID] = struct{}{}
}

// Leave removes a user from a room.
func (h *Hub) Leave(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := h.rooms[room]
	delete(users, userID)
	if len(users) == 0 {
		delete(h.rooms, room)
	}
}

// Members lists the local users in a room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms[room]))
	for uid := range h.rooms[room] {
		out = append(out, uid)
	}
	return out
}

// BroadcastToRoom sends a message to every local member of a room.
func (h *Hub) BroadcastToRoom(room string, msg Message) error {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.rooms[room]))
	for uid := range h.rooms[room] {
		if c, ok := h.connections[uid]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Send(msg); err != nil && firstErr == nil {
			firstErr = err
			h.logger.Warn().Err(err).Str("user_id", c.UserID).Str("room", room).Msg("room send failed")
		}
	}
	return firstErr
}

// SendToUser delivers a message to a specific user.
func (h *Hub) SendToUser(userID string, msg Message) error {
	h.mu.RLock()
	conn, exists := h.connections[userID]
	h.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}
	return conn.Send(msg)
}

// GetConnection retrieves a connection for a user.
func (h *Hub) GetConnection(userID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, exists := h.connections[userID]
	return conn, exists
}

// Count returns the number of local connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Connection represents a WebSocket connection with a send queue.
type Connection struct {
	Ref    string
	UserID string

	conn   *websocket.Conn
	sendCh chan Message
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewConnection wraps a WebSocket connection. conn may be nil in tests,
// in which case queued messages can be read with Outbox.
func NewConnection(conn *websocket.Conn, ref, userID string, logger zerolog.Logger) *Connection {
	return &Connection{
		Ref:    ref,
		UserID: userID,
		conn:   conn,
		sendCh: make(chan Message, 256),
		logger: logger.With().Str("user_id", userID).Str("conn", ref).Logger(),
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

// Outbox exposes the send queue.
func (c *Connection) Outbox() <-chan Message { return c.sendCh }

// Close shuts down the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.sendCh)
	if c.conn != nil {
		c.conn.Close()
	}
}

// WritePump sends messages from the send queue and keeps the peer alive with pings.
// onPing runs on every ping tick.
func (c *Connection) WritePump(onPing func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if onPing != nil {
				onPing()
			}
		}
	}
}

// ReadPump receives messages and calls the handler until the socket closes.
func (c *Connection) ReadPump(handler func(Message) error) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
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

		if err := handler(msg); err != nil {
			c.logger.Debug().Err(err).Str("type", msg.Type).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "User connection not found"}
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
