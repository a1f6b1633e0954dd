package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/auth"
	"github.com/covenantmatch/covenant/backend/internal/chat"
	"github.com/covenantmatch/covenant/backend/internal/presence"
	"github.com/covenantmatch/covenant/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

func newTestHandler(t *testing.T) *httpHandler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	return &httpHandler{
		sessions:     stubSessionValidator{},
		chatService:  chatService,
		usersService: usersService,
		presence:     presence.NewRegistry(presence.RegistryConfig{}),
		hub:          NewHub(HubConfig{}),
		db:           db,
		logger:       zap.NewNop(),
	}
}

func newJSONContext(t *testing.T, userID, method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Set(userIDContextKey, userID)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	ctx.Request = request
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: jwt.ErrTokenExpired},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entries[0].Level)
	}
	if entries[0].Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestStoresUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-7"}},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to pass authorization")
	}
	if got := ctx.GetString(userIDContextKey); got != "user-7" {
		t.Fatalf("expected user-7 in context, got %q", got)
	}
}

func TestHandleScoreComputesWeightedTotal(t *testing.T) {
	handler := newTestHandler(t)
	body := `{
		"preferences": {
			"accepted_traditions": ["Baptist"],
			"required_values": ["family", "service", "honesty"],
			"faith_weight": 10
		},
		"candidate": {
			"faith_tradition": "Baptist",
			"faith_intensity": 9,
			"values": ["Family", "Service"],
			"marriage_intention": 9,
			"lifestyle_traditionalism": 8
		}
	}`
	ctx, recorder := newJSONContext(t, "user-1", http.MethodPost, "/score", body)

	handler.handleScore(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Score   int      `json:"score"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Score != 90 {
		t.Fatalf("expected score 90, got %d", payload.Score)
	}
	if len(payload.Reasons) == 0 || payload.Reasons[0] != "Denomination Match: Baptist" {
		t.Fatalf("unexpected reasons: %v", payload.Reasons)
	}
}

func TestHandleScoreRejectsInvalidWeight(t *testing.T) {
	handler := newTestHandler(t)
	body := `{"preferences":{"faith_weight":0},"candidate":{}}`
	ctx, recorder := newJSONContext(t, "user-1", http.MethodPost, "/score", body)

	handler.handleScore(ctx)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "invalid_preferences") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestHandleScoreRankOrdersCandidates(t *testing.T) {
	handler := newTestHandler(t)
	body := `{
		"preferences": {"accepted_traditions": ["Baptist"], "faith_weight": 10},
		"candidates": [
			{"user_id": "weak", "traits": {"faith_tradition": "Reformed"}},
			{"user_id": "strong", "traits": {"faith_tradition": "Baptist", "faith_intensity": 9, "marriage_intention": 9}}
		]
	}`
	ctx, recorder := newJSONContext(t, "user-1", http.MethodPost, "/score/rank", body)

	handler.handleScoreRank(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Results []struct {
			UserID string `json:"user_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Results) != 2 || payload.Results[0].UserID != "strong" {
		t.Fatalf("unexpected ranking: %+v", payload.Results)
	}
}

func TestHandleCreateConversationReturnsCanonicalRecord(t *testing.T) {
	handler := newTestHandler(t)
	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost, "/conversations",
		`{"peer_id":"user-b"}`)

	handler.handleCreateConversation(ctx)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload conversationPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.ConversationID == "" {
		t.Fatalf("expected conversation id in response")
	}
	if payload.PeerID != "user-b" {
		t.Fatalf("expected peer user-b, got %q", payload.PeerID)
	}
}

func TestHandleCreateConversationRejectsSelfPair(t *testing.T) {
	handler := newTestHandler(t)
	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost, "/conversations",
		`{"peer_id":"user-a"}`)

	handler.handleCreateConversation(ctx)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func seedConversation(t *testing.T, handler *httpHandler, userA, userB string) chat.Conversation {
	t.Helper()
	conversation, err := handler.chatService.CreateConversation(
		context.Background(), chat.UserID(userA), chat.UserID(userB))
	if err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	return conversation
}

func TestHandleAppendMessagePersistsAndPushes(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")

	peerConn := handler.hub.Register("user-b")
	handler.hub.Join(peerConn, conversation.ConversationID)
	senderConn := handler.hub.Register("user-a")
	handler.hub.Join(senderConn, conversation.ConversationID)

	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost,
		"/conversations/"+conversation.ConversationID+"/messages",
		`{"content":"see you at nine"}`)
	ctx.Params = gin.Params{{Key: "id", Value: conversation.ConversationID}}

	handler.handleAppendMessage(ctx)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload messagePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.MessageID == "" || payload.CreatedAtNanos == 0 {
		t.Fatalf("expected canonical id and timestamp, got %+v", payload)
	}

	pushed := receiveEvent(t, peerConn, time.Second)
	if pushed.Type != EventReceiveMessage {
		t.Fatalf("expected %q push, got %q", EventReceiveMessage, pushed.Type)
	}
	if pushed.Message == nil || pushed.Message.MessageID != payload.MessageID {
		t.Fatalf("push does not carry the persisted message: %+v", pushed.Message)
	}
	expectNoEvent(t, senderConn, 50*time.Millisecond)
}

func TestHandleAppendMessageRejectsOutsider(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")

	ctx, recorder := newJSONContext(t, "user-c", http.MethodPost,
		"/conversations/"+conversation.ConversationID+"/messages",
		`{"content":"let me in"}`)
	ctx.Params = gin.Params{{Key: "id", Value: conversation.ConversationID}}

	handler.handleAppendMessage(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", recorder.Code)
	}
}

func TestHandleAppendMessageUnknownConversation(t *testing.T) {
	handler := newTestHandler(t)
	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost,
		"/conversations/missing/messages", `{"content":"hello"}`)
	ctx.Params = gin.Params{{Key: "id", Value: "missing"}}

	handler.handleAppendMessage(ctx)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestHandleListMessagesRejectsInvalidPage(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")

	ctx, recorder := newJSONContext(t, "user-a", http.MethodGet,
		"/conversations/"+conversation.ConversationID+"/messages?page=0", "")
	ctx.Params = gin.Params{{Key: "id", Value: conversation.ConversationID}}

	handler.handleListMessages(ctx)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestHandleListMessagesReturnsChronologicalPage(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")
	for _, content := range []string{"first", "second", "third"} {
		if _, err := handler.chatService.AppendMessage(
			context.Background(), conversation.ConversationID, "user-a", content, ""); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}

	ctx, recorder := newJSONContext(t, "user-b", http.MethodGet,
		"/conversations/"+conversation.ConversationID+"/messages", "")
	ctx.Params = gin.Params{{Key: "id", Value: conversation.ConversationID}}

	handler.handleListMessages(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Messages []messagePayload `json:"messages"`
		Page     int              `json:"page"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Page != 1 {
		t.Fatalf("expected page 1, got %d", payload.Page)
	}
	if len(payload.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Content != "first" || payload.Messages[2].Content != "third" {
		t.Fatalf("messages out of order: %+v", payload.Messages)
	}
}

func TestHandleMarkReadBroadcastsReceipt(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")
	message, err := handler.chatService.AppendMessage(
		context.Background(), conversation.ConversationID, "user-a", "hello", "")
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	senderConn := handler.hub.Register("user-a")
	handler.hub.Join(senderConn, conversation.ConversationID)

	ctx, recorder := newJSONContext(t, "user-b", http.MethodPost,
		"/messages/"+message.MessageID+"/read", "")
	ctx.Params = gin.Params{{Key: "id", Value: message.MessageID}}

	handler.handleMarkRead(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload messagePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.ReadAtNanos == nil {
		t.Fatalf("expected read timestamp in response")
	}

	receipt := receiveEvent(t, senderConn, time.Second)
	if receipt.Type != EventMessageRead {
		t.Fatalf("expected %q, got %q", EventMessageRead, receipt.Type)
	}
	if receipt.MessageID != message.MessageID || receipt.ReadAtNanos == 0 {
		t.Fatalf("unexpected receipt payload: %+v", receipt)
	}
}

func TestHandleMarkReadUnknownMessage(t *testing.T) {
	handler := newTestHandler(t)
	ctx, recorder := newJSONContext(t, "user-b", http.MethodPost, "/messages/missing/read", "")
	ctx.Params = gin.Params{{Key: "id", Value: "missing"}}

	handler.handleMarkRead(ctx)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestHandleListConversationsIncludesPeerPresence(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")
	handler.presence.Connect(context.Background(), "user-b", 1)

	ctx, recorder := newJSONContext(t, "user-a", http.MethodGet, "/conversations", "")

	handler.handleListConversations(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Conversations []conversationPayload `json:"conversations"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(payload.Conversations))
	}
	listed := payload.Conversations[0]
	if listed.ConversationID != conversation.ConversationID {
		t.Fatalf("unexpected conversation id %q", listed.ConversationID)
	}
	if listed.PeerID != "user-b" || !listed.PeerOnline {
		t.Fatalf("expected online peer user-b, got %+v", listed)
	}
}

func TestHandleHideConversationRemovesFromListing(t *testing.T) {
	handler := newTestHandler(t)
	conversation := seedConversation(t, handler, "user-a", "user-b")

	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost,
		"/conversations/"+conversation.ConversationID+"/hide", "")
	ctx.Params = gin.Params{{Key: "id", Value: conversation.ConversationID}}

	handler.handleHideConversation(ctx)
	ctx.Writer.WriteHeaderNow()

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	remaining, err := handler.chatService.ListConversations(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected hidden conversation to be excluded, got %d", len(remaining))
	}
}

type stubClassifier struct {
	flagged bool
	err     error
}

func (s stubClassifier) ShouldFlag(context.Context, []byte) (bool, error) {
	return s.flagged, s.err
}

func TestHandleModerateImageReportsVerdict(t *testing.T) {
	handler := newTestHandler(t)
	handler.classifier = stubClassifier{flagged: true}

	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost, "/moderation/image",
		`{"image_b64":"AQID"}`)

	handler.handleModerateImage(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"flagged":true`) {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestHandleModerateImageFailsOpen(t *testing.T) {
	handler := newTestHandler(t)
	handler.classifier = stubClassifier{flagged: true, err: errors.New("backend down")}

	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost, "/moderation/image",
		`{"image_b64":"AQID"}`)

	handler.handleModerateImage(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"flagged":false`) {
		t.Fatalf("expected fail-open verdict, got %s", recorder.Body.String())
	}
}

func TestHandleModerateImageFailsOpenOnBadEncoding(t *testing.T) {
	handler := newTestHandler(t)
	handler.classifier = stubClassifier{flagged: true}

	ctx, recorder := newJSONContext(t, "user-a", http.MethodPost, "/moderation/image",
		`{"image_b64":"%%%not-base64%%%"}`)

	handler.handleModerateImage(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"flagged":false`) {
		t.Fatalf("expected fail-open verdict, got %s", recorder.Body.String())
	}
}

func TestRouterRejectsMissingSession(t *testing.T) {
	handler := newTestHandler(t)
	router, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{validateErr: errors.New("no cookie")},
		ChatService:      handler.chatService,
		UsersService:     handler.usersService,
		Presence:         handler.presence,
		Hub:              handler.hub,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestRouterHealthRequiresNoSession(t *testing.T) {
	handler := newTestHandler(t)
	router, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{validateErr: errors.New("no cookie")},
		ChatService:      handler.chatService,
		UsersService:     handler.usersService,
		Presence:         handler.presence,
		Hub:              handler.hub,
		Database:         handler.db,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["status"] != "ok" || payload["db"] != "connected" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected dependency validation error")
	}
}
