package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/moderation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// MessagePageSize is the fixed page size served by ListMessages.
const MessagePageSize = 50

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "chat.service.new"
	opCreateConversation = "chat.create_conversation"
	opAppendMessage      = "chat.append_message"
	opMarkRead           = "chat.mark_read"
	opListMessages       = "chat.list_messages"
	opListConversations  = "chat.list_conversations"
	opHideConversation   = "chat.hide_conversation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// TextFilter is the moderation gate applied to every outbound message before
// persistence. It must be total; see moderation.Filter.
type TextFilter interface {
	FilterMessage(text string) moderation.Result
}

// IDProvider issues identifiers for conversations and messages.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the conversation store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Filter     TextFilter
	Logger     *zap.Logger
}

// Service is the durable conversation store. Appends are serialized per
// conversation so concurrent senders never race to the same ordinal position;
// different conversations proceed in parallel.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	filter     TextFilter
	logger     *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	filter := cfg.Filter
	if filter == nil {
		filter = moderation.NewFilter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		filter:     filter,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// CreateConversation ensures exactly one conversation exists for the unordered
// participant pair and returns it. Repeated calls return the existing record,
// including a hidden one; hiding is not undone here.
func (s *Service) CreateConversation(ctx context.Context, userA, userB UserID) (Conversation, error) {
	if userA == userB {
		return Conversation{}, newServiceError(opCreateConversation, "same_participant", ErrSameParticipant)
	}

	pairKey := PairKey(userA.String(), userB.String())

	var existing Conversation
	err := s.db.WithContext(ctx).Where("pair_key = ?", pairKey).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opCreateConversation, "lookup_failed", err, zap.String("pair_key", pairKey))
		return Conversation{}, newServiceError(opCreateConversation, "lookup_failed", err)
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateConversation, "id_generation_failed", err)
		return Conversation{}, newServiceError(opCreateConversation, "id_generation_failed", err)
	}

	conversation := Conversation{
		ConversationID:   conversationID,
		ParticipantA:     userA.String(),
		ParticipantB:     userB.String(),
		PairKey:          pairKey,
		IsActive:         true,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		// A concurrent create for the same pair loses the unique-index race;
		// return whichever row won.
		var raced Conversation
		if lookupErr := s.db.WithContext(ctx).Where("pair_key = ?", pairKey).Take(&raced).Error; lookupErr == nil {
			return raced, nil
		}
		s.logError(opCreateConversation, "insert_failed", err, zap.String("pair_key", pairKey))
		return Conversation{}, newServiceError(opCreateConversation, "insert_failed", err)
	}

	return conversation, nil
}

// PublishFunc receives a freshly persisted message while the conversation's
// append serialization is still held. Publish work must not block: the
// realtime layer only enqueues onto buffered per-connection streams here.
type PublishFunc func(Message)

// AppendMessage moderates, persists, and timestamps one message. The assigned
// timestamp is strictly greater than the conversation's previous message even
// when the wall clock has not advanced.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, senderID UserID, rawContent string, messageType string) (Message, error) {
	return s.AppendMessagePublish(ctx, conversationID, senderID, rawContent, messageType, nil)
}

// AppendMessagePublish appends like AppendMessage and, on success, invokes
// publish before releasing the per-conversation lock. Concurrent senders
// therefore publish in timestamp order; a publish sequenced after the lock
// releases could overtake a competing append that finished in between.
func (s *Service) AppendMessagePublish(ctx context.Context, conversationID string, senderID UserID, rawContent string, messageType string, publish PublishFunc) (Message, error) {
	content := strings.TrimSpace(rawContent)
	if content == "" {
		return Message{}, newServiceError(opAppendMessage, "empty_content", ErrEmptyContent)
	}
	if runes := []rune(content); len(runes) > maxContentLength {
		content = string(runes[:maxContentLength])
	}

	parsedType, err := parseMessageType(messageType)
	if err != nil {
		return Message{}, newServiceError(opAppendMessage, "unsupported_type", err)
	}

	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	var persisted Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conversation Conversation
		if err := tx.Where("conversation_id = ?", conversationID).Take(&conversation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAppendMessage, "conversation_not_found", ErrConversationNotFound)
			}
			s.logError(opAppendMessage, "conversation_select_failed", err, zap.String("conversation_id", conversationID))
			return newServiceError(opAppendMessage, "conversation_select_failed", err)
		}
		if !conversation.HasParticipant(senderID.String()) {
			return newServiceError(opAppendMessage, "not_participant", ErrNotParticipant)
		}

		filtered := s.filter.FilterMessage(content)

		messageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppendMessage, "id_generation_failed", err)
			return newServiceError(opAppendMessage, "id_generation_failed", err)
		}

		createdAt := s.clock().UTC().UnixNano()
		if createdAt <= conversation.LastMessageNanos {
			createdAt = conversation.LastMessageNanos + 1
		}

		persisted = Message{
			MessageID:      messageID,
			ConversationID: conversation.ConversationID,
			SenderID:       senderID.String(),
			Content:        filtered.Clean,
			Type:           parsedType,
			Flagged:        filtered.Flagged,
			CreatedAtNanos: createdAt,
		}
		if err := tx.Create(&persisted).Error; err != nil {
			s.logError(opAppendMessage, "message_insert_failed", err, zap.String("conversation_id", conversationID))
			return newServiceError(opAppendMessage, "message_insert_failed", err)
		}

		updates := map[string]interface{}{
			"last_message":    preview(filtered.Clean),
			"last_message_ns": createdAt,
		}
		if err := tx.Model(&Conversation{}).
			Where("conversation_id = ?", conversation.ConversationID).
			Updates(updates).Error; err != nil {
			s.logError(opAppendMessage, "conversation_update_failed", err, zap.String("conversation_id", conversationID))
			return newServiceError(opAppendMessage, "conversation_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}

	if publish != nil {
		publish(persisted)
	}
	return persisted, nil
}

// MarkRead records the read receipt for a message. Marking twice is a no-op;
// the sender reading their own message is a participation violation.
func (s *Service) MarkRead(ctx context.Context, messageID string, readerID UserID) (Message, error) {
	var message Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Take(&message).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opMarkRead, "message_not_found", ErrMessageNotFound)
			}
			s.logError(opMarkRead, "message_select_failed", err, zap.String("message_id", messageID))
			return newServiceError(opMarkRead, "message_select_failed", err)
		}
		if message.SenderID == readerID.String() {
			return newServiceError(opMarkRead, "sender_cannot_read", ErrNotParticipant)
		}

		var conversation Conversation
		if err := tx.Where("conversation_id = ?", message.ConversationID).Take(&conversation).Error; err != nil {
			s.logError(opMarkRead, "conversation_select_failed", err, zap.String("message_id", messageID))
			return newServiceError(opMarkRead, "conversation_select_failed", err)
		}
		if !conversation.HasParticipant(readerID.String()) {
			return newServiceError(opMarkRead, "not_participant", ErrNotParticipant)
		}

		if message.ReadAtNanos != nil {
			return nil
		}

		readAt := s.clock().UTC().UnixNano()
		if err := tx.Model(&Message{}).
			Where("message_id = ? AND read_at_ns IS NULL", messageID).
			Update("read_at_ns", readAt).Error; err != nil {
			s.logError(opMarkRead, "update_failed", err, zap.String("message_id", messageID))
			return newServiceError(opMarkRead, "update_failed", err)
		}
		message.ReadAtNanos = &readAt
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}
	return message, nil
}

// ListMessages returns one page of the conversation's log for a participant.
// Page 1 is the newest page; messages within a page run oldest-first. Every
// call is independent, no cursor state survives between requests.
func (s *Service) ListMessages(ctx context.Context, conversationID string, requesterID UserID, page int) ([]Message, error) {
	if page < 1 {
		page = 1
	}

	conversation, err := s.getConversation(ctx, opListMessages, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(requesterID.String()) {
		return nil, newServiceError(opListMessages, "not_participant", ErrNotParticipant)
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ns DESC").
		Offset((page - 1) * MessagePageSize).
		Limit(MessagePageSize).
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("conversation_id", conversationID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}

	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// ListConversations returns the user's active conversations, most recent
// activity first.
func (s *Service) ListConversations(ctx context.Context, userID UserID) ([]Conversation, error) {
	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND (participant_a = ? OR participant_b = ?)", true, userID.String(), userID.String()).
		Order("last_message_ns DESC").
		Find(&conversations).Error; err != nil {
		s.logError(opListConversations, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListConversations, "query_failed", err)
	}
	return conversations, nil
}

// HideConversation hides the conversation from both parties after an unmatch
// or block. The record and its messages are never deleted.
func (s *Service) HideConversation(ctx context.Context, conversationID string, userID UserID) error {
	conversation, err := s.getConversation(ctx, opHideConversation, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userID.String()) {
		return newServiceError(opHideConversation, "not_participant", ErrNotParticipant)
	}

	if err := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Update("is_active", false).Error; err != nil {
		s.logError(opHideConversation, "update_failed", err, zap.String("conversation_id", conversationID))
		return newServiceError(opHideConversation, "update_failed", err)
	}
	return nil
}

// Conversation returns a single conversation when the requester participates
// in it.
func (s *Service) Conversation(ctx context.Context, conversationID string, requesterID UserID) (Conversation, error) {
	conversation, err := s.getConversation(ctx, opListMessages, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conversation.HasParticipant(requesterID.String()) {
		return Conversation{}, newServiceError(opListMessages, "not_participant", ErrNotParticipant)
	}
	return conversation, nil
}

func (s *Service) getConversation(ctx context.Context, operation, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, newServiceError(operation, "conversation_not_found", ErrConversationNotFound)
	}
	if err != nil {
		s.logError(operation, "conversation_select_failed", err, zap.String("conversation_id", conversationID))
		return Conversation{}, newServiceError(operation, "conversation_select_failed", err)
	}
	return conversation, nil
}

func (s *Service) conversationLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
