package ws

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub manages WebSocket connections and the chats their participants belong to.
// Every participant is implicitly a member of the chat whose id equals their
// own id, which is where private quizzes run.
type Hub struct {
	mu          sync.RWMutex
	connections map[int64]*Connection // participant_id -> connection
	chats       map[int64][]int64     // chat_id -> []participant_id, in join order
	names       map[int64]string
	logger      zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[int64]*Connection),
		chats:       make(map[int64][]int64),
		names:       make(map[int64]string),
		logger:      logger,
	}
}

// RegisterConnection adds a connection for a participant, replacing any older one.
func (h *Hub) RegisterConnection(participantID int64, name string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.connections[participantID]; exists {
		old.Close()
	}

	h.connections[participantID] = conn
	if name != "" {
		h.names[participantID] = name
	}
	h.logger.Info().Int64("participant_id", participantID).Str("conn_id", conn.ID.String()).Msg("connection registered")
}

// UnregisterConnection removes conn if it is still the participant's current
// connection. Chat memberships survive reconnects.
func (h *Hub) UnregisterConnection(participantID int64, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.connections[participantID]
	if !exists || current.ID != conn.ID {
		return
	}
	current.Close()
	delete(h.connections, participantID)
	h.logger.Info().Int64("participant_id", participantID).Msg("connection unregistered")
}

// JoinChat adds a participant to a group chat. It reports whether they were
// the chat's first member.
func (h *Hub) JoinChat(chatID, participantID int64) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.chats[chatID]
	if slices.Contains(members, participantID) {
		return members[0] == participantID
	}
	h.chats[chatID] = append(members, participantID)
	return len(members) == 0
}

// LeaveChat removes a participant from a chat.
func (h *Hub) LeaveChat(chatID, participantID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.chats[chatID]
	if i := slices.Index(members, participantID); i >= 0 {
		h.chats[chatID] = slices.Delete(members, i, i+1)
	}
}

// Members lists a chat's participants in join order.
func (h *Hub) Members(chatID int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if members, ok := h.chats[chatID]; ok {
		return slices.Clone(members)
	}
	return []int64{chatID}
}

// IsFounder reports whether participantID was the first to join chatID.
func (h *Hub) IsFounder(chatID, participantID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.chats[chatID]
	return len(members) > 0 && members[0] == participantID
}

// Name returns the display name a participant connected with.
func (h *Hub) Name(participantID int64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	name, ok := h.names[participantID]
	return name, ok
}

// BroadcastToChat sends a message to every connected member of a chat.
// Members without a live connection are skipped.
func (h *Hub) BroadcastToChat(chatID int64, msg Message) error {
	var firstErr error
	delivered := 0
	for _, participantID := range h.Members(chatID) {
		err := h.SendToUser(participantID, msg)
		if err == ErrConnectionNotFound {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			h.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("participant_id", participantID).Msg("broadcast_send_failed")
			continue
		}
		delivered++
	}
	if delivered == 0 && firstErr == nil {
		return ErrNoRecipients
	}
	return firstErr
}

// SendToUser delivers a message to a specific participant.
func (h *Hub) SendToUser(participantID int64, msg Message) error {
	h.mu.RLock()
	conn, exists := h.connections[participantID]
	h.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}

	return conn.Send(msg)
}

// Connection represents a WebSocket connection with send queue.
type Connection struct {
	ID     uuid.UUID
	conn   *websocket.Conn
	sendCh chan Message
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewConnection wraps a WebSocket connection.
func NewConnection(conn *websocket.Conn, logger zerolog.Logger) *Connection {
	return &Connection{
		ID:     uuid.New(),
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

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WritePump sends messages from the send queue and keeps the peer alive with pings.
func (c *Connection) WritePump() {
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
		}
	}
}

// ReadPump receives messages and calls the handler.
func (c *Connection) ReadPump(handler func(Message) error) {
	defer c.conn.Close()

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
			c.logger.Warn().Err(err).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "User connection not found"}
	ErrConnectionClosed   = &Error{Code: "connection_closed", Message: "Connection is closed"}
	ErrSendQueueFull      = &Error{Code: "send_queue_full", Message: "Send queue is full"}
	ErrNoRecipients       = &Error{Code: "no_recipients", Message: "No connected chat members"}
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
