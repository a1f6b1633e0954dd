package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// fixedClock always returns the same instant, forcing the logical tie-break.
type fixedClock struct {
	instant time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.instant
}

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	return service, db
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustConversation(t *testing.T, service *Service, userA, userB string) Conversation {
	t.Helper()
	conversation, err := service.CreateConversation(
		context.Background(), mustUserID(t, userA), mustUserID(t, userB))
	if err != nil {
		t.Fatalf("unexpected conversation error: %v", err)
	}
	return conversation
}

func mustAppend(t *testing.T, service *Service, conversationID, sender, content string) Message {
	t.Helper()
	message, err := service.AppendMessage(
		context.Background(), conversationID, mustUserID(t, sender), content, "text")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return message
}
