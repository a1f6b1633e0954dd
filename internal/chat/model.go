package chat

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType enumerates supported message payloads.
type MessageType string

const (
	// MessageTypeText is the only payload shipped today; media types reserve
	// the enum for later.
	MessageTypeText MessageType = "text"
)

const (
	maxIdentifierLength = 190
	maxContentLength    = 4000
	previewLength       = 60
)

var (
	// ErrInvalidUserID indicates a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidConversationID indicates a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("chat: invalid conversation id")
	// ErrInvalidMessageID indicates a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("chat: invalid message id")
	// ErrNotParticipant indicates the acting user does not belong to the conversation
	// (or, for reads, authored the message themselves).
	ErrNotParticipant = errors.New("chat: not a participant")
	// ErrSameParticipant indicates a conversation was requested between a user and themselves.
	ErrSameParticipant = errors.New("chat: conversation requires two distinct participants")
	// ErrEmptyContent indicates an append with no usable text.
	ErrEmptyContent = errors.New("chat: message content required")
	// ErrUnsupportedType indicates a message type outside the accepted set.
	ErrUnsupportedType = errors.New("chat: unsupported message type")
	// ErrConversationNotFound indicates the conversation id resolved to nothing.
	ErrConversationNotFound = errors.New("chat: conversation not found")
	// ErrMessageNotFound indicates the message id resolved to nothing.
	ErrMessageNotFound = errors.New("chat: message not found")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Conversation ties exactly two matched users' messages together. Participant
// order carries no meaning; PairKey canonicalizes the unordered pair so the
// unique index admits at most one conversation per match.
type Conversation struct {
	ConversationID   string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	ParticipantA     string `gorm:"column:participant_a;size:190;not null;index:idx_conversations_participant_a"`
	ParticipantB     string `gorm:"column:participant_b;size:190;not null;index:idx_conversations_participant_b"`
	PairKey          string `gorm:"column:pair_key;size:382;not null;uniqueIndex:idx_conversations_pair"`
	LastMessage      string `gorm:"column:last_message;size:190;not null;default:''"`
	LastMessageNanos int64  `gorm:"column:last_message_ns;not null;default:0"`
	IsActive         bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the peer of the provided participant.
func (c Conversation) OtherParticipant(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	if c.ParticipantB == userID {
		return c.ParticipantA
	}
	return ""
}

// Message is one entry in a conversation's append-only log. Content is always
// the moderated text; CreatedAtNanos is strictly increasing within its
// conversation; ReadAtNanos is set at most once, by the non-sender.
type Message struct {
	MessageID      string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID string      `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_time,priority:1"`
	SenderID       string      `gorm:"column:sender_id;size:190;not null"`
	Content        string      `gorm:"column:content;type:text;not null"`
	Type           MessageType `gorm:"column:type;size:32;not null;default:'text'"`
	Flagged        bool        `gorm:"column:flagged;not null;default:false"`
	CreatedAtNanos int64       `gorm:"column:created_at_ns;not null;index:idx_messages_conversation_time,priority:2"`
	ReadAtNanos    *int64      `gorm:"column:read_at_ns"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Read reports whether the recipient has read the message.
func (m Message) Read() bool {
	return m.ReadAtNanos != nil
}

// PairKey canonicalizes an unordered participant pair into the unique
// conversation key.
func PairKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}

func parseMessageType(value string) (MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(MessageTypeText):
		return MessageTypeText, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, value)
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength])
}
