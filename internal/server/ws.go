package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client-to-server realtime actions.
const (
	actionJoin        = "join"
	actionLeave       = "leave"
	actionSendMessage = "send_message"
	actionTypingStart = "typing_start"
	actionTypingStop  = "typing_stop"
	actionMessageRead = "message_read"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type clientEvent struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Type           string `json:"type,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
}

// handleRealtime upgrades the authenticated request and runs the connection's
// event loop. Events on one connection are handled strictly in order: each
// durable-store call completes before the next frame is read.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx := context.Background()
	connection := h.hub.Register(userID)

	if h.presence.Connect(ctx, userID, connection.id) {
		if err := h.usersService.SetOnline(ctx, userID, true); err != nil {
			h.logger.Warn("online bookkeeping failed", zap.Error(err), zap.String("user_id", userID))
		}
		h.hub.BroadcastAll(Event{Type: EventUserOnline, UserID: userID})
	}

	go h.writeEvents(ws, connection)

	for {
		var event clientEvent
		if err := ws.ReadJSON(&event); err != nil {
			break
		}
		h.presence.Touch(ctx, userID)
		h.dispatchRealtimeEvent(ctx, connection, event)
	}

	h.hub.Unregister(connection)
	if h.presence.Disconnect(ctx, userID, connection.id) {
		if err := h.usersService.SetOnline(ctx, userID, false); err != nil {
			h.logger.Warn("offline bookkeeping failed", zap.Error(err), zap.String("user_id", userID))
		}
		h.hub.BroadcastAll(Event{Type: EventUserOffline, UserID: userID})
	}
}

// writeEvents drains the connection's outbound queue onto the socket. A
// single writer per connection keeps pushes in enqueue order.
func (h *httpHandler) writeEvents(ws *websocket.Conn, connection *Connection) {
	for {
		select {
		case event := <-connection.stream:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(event); err != nil {
				_ = ws.Close()
				return
			}
		case <-connection.done:
			return
		}
	}
}

func (h *httpHandler) dispatchRealtimeEvent(ctx context.Context, connection *Connection, event clientEvent) {
	userID := connection.userID

	switch strings.ToLower(strings.TrimSpace(event.Action)) {
	case actionJoin:
		if event.ConversationID == "" {
			return
		}
		if _, err := h.chatService.Conversation(ctx, event.ConversationID, chat.UserID(userID)); err != nil {
			h.hub.Send(connection, realtimeError(event, err))
			return
		}
		h.hub.Join(connection, event.ConversationID)

	case actionLeave:
		h.hub.Leave(connection, event.ConversationID)

	case actionSendMessage:
		// Publishing inside the append serialization keeps pushes to every
		// room member in timestamp order across concurrent senders.
		_, err := h.chatService.AppendMessagePublish(
			ctx, event.ConversationID, chat.UserID(userID), event.Content, event.Type,
			func(message chat.Message) {
				payload := toMessagePayload(message)
				// Ack to the sender first so the optimistic copy reconciles
				// with the canonical id and timestamp; the push itself
				// excludes the sender.
				h.hub.Send(connection, Event{
					Type:           EventMessageSent,
					ConversationID: message.ConversationID,
					Message:        &payload,
					ClientRef:      event.ClientRef,
				})
				h.hub.BroadcastToRoom(message.ConversationID, userID, Event{
					Type:           EventReceiveMessage,
					ConversationID: message.ConversationID,
					UserID:         userID,
					Message:        &payload,
				})
			})
		if err != nil {
			h.hub.Send(connection, realtimeError(event, err))
			return
		}

	case actionTypingStart:
		// Membership was verified on join; a connection that never joined the
		// room cannot inject indicators into it.
		if !h.hub.InRoom(connection, event.ConversationID) {
			return
		}
		h.hub.TypingStart(userID, event.ConversationID)

	case actionTypingStop:
		if !h.hub.InRoom(connection, event.ConversationID) {
			return
		}
		h.hub.TypingStop(userID, event.ConversationID)

	case actionMessageRead:
		message, err := h.chatService.MarkRead(ctx, event.MessageID, chat.UserID(userID))
		if err != nil {
			h.hub.Send(connection, realtimeError(event, err))
			return
		}
		receipt := Event{
			Type:           EventMessageRead,
			ConversationID: message.ConversationID,
			UserID:         userID,
			MessageID:      message.MessageID,
		}
		if message.ReadAtNanos != nil {
			receipt.ReadAtNanos = *message.ReadAtNanos
		}
		h.hub.BroadcastToRoom(message.ConversationID, userID, receipt)

	default:
		h.hub.Send(connection, Event{
			Type:   EventError,
			Code:   "unknown_action",
			Detail: event.Action,
		})
	}
}

func realtimeError(event clientEvent, err error) Event {
	code := "internal"
	var serviceErr *chat.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	return Event{
		Type:           EventError,
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		ClientRef:      event.ClientRef,
		Code:           code,
	}
}
