package server

import (
	"sync"
	"time"
)

// Event vocabulary pushed over the realtime channel.
const (
	EventReceiveMessage = "receive_message"
	EventMessageSent    = "message_sent"
	EventMessageRead    = "message_read"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventError          = "error"
)

const (
	defaultTypingIdle = 2 * time.Second
	outboundBuffer    = 32
)

// Event is one push frame delivered to a realtime connection.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Message        *messagePayload `json:"message,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	ReadAtNanos    int64           `json:"read_at_ns,omitempty"`
	ClientRef      string          `json:"client_ref,omitempty"`
	Code           string          `json:"code,omitempty"`
	Detail         string          `json:"detail,omitempty"`
}

// Connection is one registered realtime session. Events enqueued to it are
// drained by a single writer, so a given connection observes pushes in
// enqueue order.
type Connection struct {
	id     int64
	userID string
	stream chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// UserID returns the authenticated owner of the connection.
func (c *Connection) UserID() string {
	return c.userID
}

// Stream exposes the outbound event queue for the connection's writer.
func (c *Connection) Stream() <-chan Event {
	return c.stream
}

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// The stream channel is never closed so late broadcasts cannot panic;
// signalling happens through done instead.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub multiplexes message, typing, read-receipt, and presence events across
// realtime connections. Rooms are keyed by conversation id; membership is
// re-established by clients on reconnect, the hub itself keeps no state that
// must survive a dropped connection.
type Hub struct {
	mu     sync.RWMutex
	conns  map[int64]*Connection
	rooms  map[string]map[int64]*Connection
	nextID int64

	typingMu     sync.Mutex
	typingTimers map[string]*time.Timer
	typingIdle   time.Duration
}

// HubConfig configures hub behavior.
type HubConfig struct {
	TypingIdleTimeout time.Duration
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	idle := cfg.TypingIdleTimeout
	if idle <= 0 {
		idle = defaultTypingIdle
	}
	return &Hub{
		conns:        make(map[int64]*Connection),
		rooms:        make(map[string]map[int64]*Connection),
		typingTimers: make(map[string]*time.Timer),
		typingIdle:   idle,
	}
}

// Register creates a connection owned by the authenticated user.
func (h *Hub) Register(userID string) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	connection := &Connection{
		id:     h.nextID,
		userID: userID,
		stream: make(chan Event, outboundBuffer),
		done:   make(chan struct{}),
	}
	h.conns[connection.id] = connection
	return connection
}

// Unregister removes the connection from every room and closes its stream.
func (h *Hub) Unregister(connection *Connection) {
	if connection == nil {
		return
	}
	h.mu.Lock()
	delete(h.conns, connection.id)
	for roomID, members := range h.rooms {
		delete(members, connection.id)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	h.cancelTypingTimers(connection.userID)
	connection.close()
}

// Join scopes future room broadcasts to include this connection. Membership
// authorization happens at the call site; the hub only tracks it.
func (h *Hub) Join(connection *Connection, conversationID string) {
	if connection == nil || conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connection.id]; !ok {
		return
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[int64]*Connection)
		h.rooms[conversationID] = members
	}
	members[connection.id] = connection
}

// Leave removes the connection from the room.
func (h *Hub) Leave(connection *Connection, conversationID string) {
	if connection == nil || conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[conversationID]
	if members != nil {
		delete(members, connection.id)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// InRoom reports whether the connection currently belongs to the room.
func (h *Hub) InRoom(connection *Connection, conversationID string) bool {
	if connection == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[conversationID]
	if members == nil {
		return false
	}
	_, ok := members[connection.id]
	return ok
}

// BroadcastToRoom pushes the event to every room member except connections
// owned by excludeUserID. The sender never receives its own message push; it
// already rendered an optimistic copy.
func (h *Hub) BroadcastToRoom(conversationID, excludeUserID string, event Event) {
	h.mu.RLock()
	members := h.rooms[conversationID]
	recipients := make([]*Connection, 0, len(members))
	for _, member := range members {
		if member.userID == excludeUserID {
			continue
		}
		recipients = append(recipients, member)
	}
	h.mu.RUnlock()

	for _, recipient := range recipients {
		recipient.enqueue(event)
	}
}

// BroadcastAll pushes the event to every open connection, used for the
// online/offline presence transitions.
func (h *Hub) BroadcastAll(event Event) {
	h.mu.RLock()
	recipients := make([]*Connection, 0, len(h.conns))
	for _, connection := range h.conns {
		recipients = append(recipients, connection)
	}
	h.mu.RUnlock()

	for _, recipient := range recipients {
		recipient.enqueue(event)
	}
}

// Send pushes an event to one specific connection.
func (h *Hub) Send(connection *Connection, event Event) {
	if connection == nil {
		return
	}
	connection.enqueue(event)
}

// TypingStart broadcasts the typing indicator to the room and arms the idle
// timer that bounds how long a stale indicator can be shown. Each keystroke
// replaces the previous timer; timers are never stacked.
func (h *Hub) TypingStart(userID, conversationID string) {
	h.BroadcastToRoom(conversationID, userID, Event{
		Type:           EventTypingStart,
		ConversationID: conversationID,
		UserID:         userID,
	})

	key := typingKey(userID, conversationID)
	h.typingMu.Lock()
	if previous, ok := h.typingTimers[key]; ok {
		previous.Stop()
	}
	h.typingTimers[key] = time.AfterFunc(h.typingIdle, func() {
		h.typingMu.Lock()
		delete(h.typingTimers, key)
		h.typingMu.Unlock()
		h.BroadcastToRoom(conversationID, userID, Event{
			Type:           EventTypingStop,
			ConversationID: conversationID,
			UserID:         userID,
		})
	})
	h.typingMu.Unlock()
}

// TypingStop cancels the idle timer and broadcasts the stop immediately.
func (h *Hub) TypingStop(userID, conversationID string) {
	key := typingKey(userID, conversationID)
	h.typingMu.Lock()
	if timer, ok := h.typingTimers[key]; ok {
		timer.Stop()
		delete(h.typingTimers, key)
	}
	h.typingMu.Unlock()

	h.BroadcastToRoom(conversationID, userID, Event{
		Type:           EventTypingStop,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

func (h *Hub) cancelTypingTimers(userID string) {
	prefix := userID + "|"
	h.typingMu.Lock()
	for key, timer := range h.typingTimers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			timer.Stop()
			delete(h.typingTimers, key)
		}
	}
	h.typingMu.Unlock()
}

// enqueue is non-blocking: a slow consumer that overflows its buffer misses
// the push and recovers through listMessages on its next poll or reconnect.
func (c *Connection) enqueue(event Event) {
	select {
	case c.stream <- event:
	default:
	}
}

func typingKey(userID, conversationID string) string {
	return userID + "|" + conversationID
}
