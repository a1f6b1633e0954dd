package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/auth"
	"github.com/covenantmatch/covenant/backend/internal/chat"
	"github.com/covenantmatch/covenant/backend/internal/moderation"
	"github.com/covenantmatch/covenant/backend/internal/presence"
	"github.com/covenantmatch/covenant/backend/internal/scoring"
	"github.com/covenantmatch/covenant/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const userIDContextKey = "covenant_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingChatService      = errors.New("chat service dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingPresence         = errors.New("presence registry dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

// SessionValidator proves that a request carries a trusted user id.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	SessionValidator SessionValidator
	ChatService      *chat.Service
	UsersService     *users.Service
	Presence         *presence.Registry
	Hub              *Hub
	Classifier       moderation.ImageClassifier
	Database         *gorm.DB
	Logger           *zap.Logger
}

// NewHTTPHandler assembles the gin router for REST and the realtime channel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = moderation.NullClassifier{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		chatService:  deps.ChatService,
		usersService: deps.UsersService,
		presence:     deps.Presence,
		hub:          deps.Hub,
		classifier:   classifier,
		db:           deps.Database,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/score", handler.handleScore)
	protected.POST("/score/rank", handler.handleScoreRank)
	protected.GET("/conversations", handler.handleListConversations)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.POST("/conversations/:id/messages", handler.handleAppendMessage)
	protected.POST("/conversations/:id/hide", handler.handleHideConversation)
	protected.POST("/messages/:id/read", handler.handleMarkRead)
	protected.POST("/moderation/image", handler.handleModerateImage)
	protected.GET("/ws", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	sessions     SessionValidator
	chatService  *chat.Service
	usersService *users.Service
	presence     *presence.Registry
	hub          *Hub
	classifier   moderation.ImageClassifier
	db           *gorm.DB
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if h.db != nil {
		dbStatus := "connected"
		if sqlDB, err := h.db.DB(); err != nil || sqlDB.Ping() != nil {
			dbStatus = "disconnected"
		}
		status["db"] = dbStatus
	}
	c.JSON(http.StatusOK, status)
}

type scoreRequestPayload struct {
	Preferences scoring.Preferences `json:"preferences"`
	Candidate   scoring.UserTraits  `json:"candidate"`
}

func (h *httpHandler) handleScore(c *gin.Context) {
	var request scoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := scoring.Score(request.Preferences, request.Candidate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preferences"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type rankRequestPayload struct {
	Preferences scoring.Preferences `json:"preferences"`
	Candidates  []scoring.Candidate `json:"candidates"`
}

func (h *httpHandler) handleScoreRank(c *gin.Context) {
	var request rankRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ranked, err := scoring.Rank(request.Preferences, request.Candidates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preferences"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": ranked})
}

type conversationPayload struct {
	ConversationID   string   `json:"conversation_id"`
	Participants     []string `json:"participants"`
	PeerID           string   `json:"peer_id"`
	PeerOnline       bool     `json:"peer_online"`
	LastMessage      string   `json:"last_message"`
	LastMessageNanos int64    `json:"last_message_ns"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	conversations, err := h.chatService.ListConversations(c.Request.Context(), chat.UserID(userID))
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	payloads := make([]conversationPayload, 0, len(conversations))
	for _, conversation := range conversations {
		peerID := conversation.OtherParticipant(userID)
		payloads = append(payloads, conversationPayload{
			ConversationID:   conversation.ConversationID,
			Participants:     []string{conversation.ParticipantA, conversation.ParticipantB},
			PeerID:           peerID,
			PeerOnline:       h.presence.IsOnline(c.Request.Context(), peerID),
			LastMessage:      conversation.LastMessage,
			LastMessageNanos: conversation.LastMessageNanos,
			CreatedAtSeconds: conversation.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payloads})
}

type createConversationPayload struct {
	PeerID string `json:"peer_id" binding:"required"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	self, err := chat.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	peer, err := chat.NewUserID(request.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	conversation, err := h.chatService.CreateConversation(c.Request.Context(), self, peer)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversationPayload{
		ConversationID:   conversation.ConversationID,
		Participants:     []string{conversation.ParticipantA, conversation.ParticipantB},
		PeerID:           conversation.OtherParticipant(userID),
		LastMessage:      conversation.LastMessage,
		LastMessageNanos: conversation.LastMessageNanos,
		CreatedAtSeconds: conversation.CreatedAtSeconds,
	})
}

type messagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Flagged        bool   `json:"flagged"`
	CreatedAtNanos int64  `json:"created_at_ns"`
	ReadAtNanos    *int64 `json:"read_at_ns,omitempty"`
}

func toMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		MessageID:      message.MessageID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Content:        message.Content,
		Type:           string(message.Type),
		Flagged:        message.Flagged,
		CreatedAtNanos: message.CreatedAtNanos,
		ReadAtNanos:    message.ReadAtNanos,
	}
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	conversationID := c.Param("id")

	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		page = parsed
	}

	messages, err := h.chatService.ListMessages(
		c.Request.Context(), conversationID, chat.UserID(userID), page)
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payloads, "page": page})
}

type appendMessagePayload struct {
	Content string `json:"content" binding:"required"`
	Type    string `json:"type"`
}

// handleAppendMessage is the synchronous fallback path used when the client
// holds no live realtime connection. The append is durable before any push;
// connected peers still receive the push so a mixed REST/realtime pair stays
// consistent.
func (h *httpHandler) handleAppendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	conversationID := c.Param("id")

	var request appendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// The push happens inside the append serialization so REST-originated
	// messages cannot overtake (or be overtaken by) a concurrent realtime send
	// in the same conversation.
	message, err := h.chatService.AppendMessagePublish(
		c.Request.Context(), conversationID, chat.UserID(userID), request.Content, request.Type,
		func(message chat.Message) {
			payload := toMessagePayload(message)
			h.hub.BroadcastToRoom(message.ConversationID, userID, Event{
				Type:           EventReceiveMessage,
				ConversationID: message.ConversationID,
				UserID:         userID,
				Message:        &payload,
			})
		})
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessagePayload(message))
}

func (h *httpHandler) handleHideConversation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	conversationID := c.Param("id")

	if err := h.chatService.HideConversation(
		c.Request.Context(), conversationID, chat.UserID(userID)); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	messageID := c.Param("id")

	message, err := h.chatService.MarkRead(c.Request.Context(), messageID, chat.UserID(userID))
	if err != nil {
		h.respondChatError(c, err)
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

	c.JSON(http.StatusOK, toMessagePayload(message))
}

type moderateImagePayload struct {
	ImageB64 string `json:"image_b64" binding:"required"`
}

// handleModerateImage runs the configured image classifier. Classification is
// advisory: decode failures and classifier errors report the image as clean
// rather than blocking the caller.
func (h *httpHandler) handleModerateImage(c *gin.Context) {
	var request moderateImagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	imageBytes, err := base64.StdEncoding.DecodeString(request.ImageB64)
	if err != nil {
		h.logger.Warn("image decode failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"flagged": false})
		return
	}

	flagged, err := h.classifier.ShouldFlag(c.Request.Context(), imageBytes)
	if err != nil {
		h.logger.Warn("image classification failed", zap.Error(err))
		flagged = false
	}
	c.JSON(http.StatusOK, gin.H{"flagged": flagged})
}

func (h *httpHandler) respondChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant"})
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, chat.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrSameParticipant),
		errors.Is(err, chat.ErrUnsupportedType), errors.Is(err, chat.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("chat operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
