package server

import (
	"testing"
	"time"
)

func receiveEvent(t *testing.T, connection *Connection, timeout time.Duration) Event {
	t.Helper()
	select {
	case event := <-connection.Stream():
		return event
	case <-time.After(timeout):
		t.Fatalf("expected event within %v", timeout)
		return Event{}
	}
}

func expectNoEvent(t *testing.T, connection *Connection, wait time.Duration) {
	t.Helper()
	select {
	case event := <-connection.Stream():
		t.Fatalf("expected no event, received %q", event.Type)
	case <-time.After(wait):
	}
}

func TestBroadcastToRoomExcludesSender(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Register("user-a")
	peer := hub.Register("user-b")
	hub.Join(sender, "conversation-1")
	hub.Join(peer, "conversation-1")

	hub.BroadcastToRoom("conversation-1", "user-a", Event{
		Type:           EventReceiveMessage,
		ConversationID: "conversation-1",
		UserID:         "user-a",
	})

	received := receiveEvent(t, peer, time.Second)
	if received.Type != EventReceiveMessage {
		t.Fatalf("expected %q, received %q", EventReceiveMessage, received.Type)
	}
	if received.UserID != "user-a" {
		t.Fatalf("expected sender user-a, received %q", received.UserID)
	}
	expectNoEvent(t, sender, 50*time.Millisecond)
}

func TestBroadcastToRoomSkipsNonMembers(t *testing.T) {
	hub := NewHub(HubConfig{})
	member := hub.Register("user-a")
	outsider := hub.Register("user-b")
	hub.Join(member, "conversation-1")

	hub.BroadcastToRoom("conversation-1", "", Event{Type: EventReceiveMessage})

	receiveEvent(t, member, time.Second)
	expectNoEvent(t, outsider, 50*time.Millisecond)
}

func TestBroadcastToRoomPreservesEnqueueOrder(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Register("user-a")
	peer := hub.Register("user-b")
	hub.Join(sender, "conversation-1")
	hub.Join(peer, "conversation-1")

	for i := 0; i < 5; i++ {
		hub.BroadcastToRoom("conversation-1", "user-a", Event{
			Type:      EventReceiveMessage,
			MessageID: string(rune('a' + i)),
		})
	}

	for i := 0; i < 5; i++ {
		received := receiveEvent(t, peer, time.Second)
		if received.MessageID != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: received %q", i, received.MessageID)
		}
	}
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	hub := NewHub(HubConfig{})
	peer := hub.Register("user-b")
	hub.Join(peer, "conversation-1")
	hub.Leave(peer, "conversation-1")

	if hub.InRoom(peer, "conversation-1") {
		t.Fatalf("expected connection to have left the room")
	}

	hub.BroadcastToRoom("conversation-1", "", Event{Type: EventReceiveMessage})
	expectNoEvent(t, peer, 50*time.Millisecond)
}

func TestUnregisterRemovesFromRoomsAndSignalsDone(t *testing.T) {
	hub := NewHub(HubConfig{})
	connection := hub.Register("user-a")
	hub.Join(connection, "conversation-1")

	hub.Unregister(connection)

	if hub.InRoom(connection, "conversation-1") {
		t.Fatalf("expected unregistered connection to be out of the room")
	}
	select {
	case <-connection.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected done channel to be closed")
	}

	// A late broadcast must not panic or deliver.
	hub.BroadcastAll(Event{Type: EventUserOffline})
}

func TestBroadcastAllReachesEveryConnection(t *testing.T) {
	hub := NewHub(HubConfig{})
	first := hub.Register("user-a")
	second := hub.Register("user-b")

	hub.BroadcastAll(Event{Type: EventUserOnline, UserID: "user-c"})

	for _, connection := range []*Connection{first, second} {
		received := receiveEvent(t, connection, time.Second)
		if received.Type != EventUserOnline || received.UserID != "user-c" {
			t.Fatalf("unexpected event %q for %q", received.Type, received.UserID)
		}
	}
}

func TestTypingStartArmsIdleStop(t *testing.T) {
	hub := NewHub(HubConfig{TypingIdleTimeout: 30 * time.Millisecond})
	typist := hub.Register("user-a")
	peer := hub.Register("user-b")
	hub.Join(typist, "conversation-1")
	hub.Join(peer, "conversation-1")

	hub.TypingStart("user-a", "conversation-1")

	started := receiveEvent(t, peer, time.Second)
	if started.Type != EventTypingStart {
		t.Fatalf("expected %q, received %q", EventTypingStart, started.Type)
	}
	stopped := receiveEvent(t, peer, time.Second)
	if stopped.Type != EventTypingStop {
		t.Fatalf("expected idle %q, received %q", EventTypingStop, stopped.Type)
	}
	expectNoEvent(t, typist, 50*time.Millisecond)
}

func TestTypingStartReplacesPendingTimer(t *testing.T) {
	hub := NewHub(HubConfig{TypingIdleTimeout: 60 * time.Millisecond})
	typist := hub.Register("user-a")
	peer := hub.Register("user-b")
	hub.Join(typist, "conversation-1")
	hub.Join(peer, "conversation-1")

	hub.TypingStart("user-a", "conversation-1")
	time.Sleep(40 * time.Millisecond)
	hub.TypingStart("user-a", "conversation-1")

	if first := receiveEvent(t, peer, time.Second); first.Type != EventTypingStart {
		t.Fatalf("expected %q, received %q", EventTypingStart, first.Type)
	}
	if second := receiveEvent(t, peer, time.Second); second.Type != EventTypingStart {
		t.Fatalf("expected %q, received %q", EventTypingStart, second.Type)
	}

	// The first timer was replaced; only the rearmed one fires.
	idle := receiveEvent(t, peer, time.Second)
	if idle.Type != EventTypingStop {
		t.Fatalf("expected %q, received %q", EventTypingStop, idle.Type)
	}
	expectNoEvent(t, peer, 100*time.Millisecond)
}

func TestTypingStopCancelsIdleTimer(t *testing.T) {
	hub := NewHub(HubConfig{TypingIdleTimeout: 30 * time.Millisecond})
	peer := hub.Register("user-b")
	hub.Join(peer, "conversation-1")

	hub.TypingStart("user-a", "conversation-1")
	hub.TypingStop("user-a", "conversation-1")

	if first := receiveEvent(t, peer, time.Second); first.Type != EventTypingStart {
		t.Fatalf("expected %q, received %q", EventTypingStart, first.Type)
	}
	if second := receiveEvent(t, peer, time.Second); second.Type != EventTypingStop {
		t.Fatalf("expected %q, received %q", EventTypingStop, second.Type)
	}
	expectNoEvent(t, peer, 80*time.Millisecond)
}

func TestUnregisterCancelsTypingTimers(t *testing.T) {
	hub := NewHub(HubConfig{TypingIdleTimeout: 30 * time.Millisecond})
	typist := hub.Register("user-a")
	peer := hub.Register("user-b")
	hub.Join(typist, "conversation-1")
	hub.Join(peer, "conversation-1")

	hub.TypingStart("user-a", "conversation-1")
	if first := receiveEvent(t, peer, time.Second); first.Type != EventTypingStart {
		t.Fatalf("expected %q, received %q", EventTypingStart, first.Type)
	}

	hub.Unregister(typist)
	expectNoEvent(t, peer, 80*time.Millisecond)
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(HubConfig{})
	peer := hub.Register("user-b")
	hub.Join(peer, "conversation-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < outboundBuffer*2; i++ {
			hub.BroadcastToRoom("conversation-1", "", Event{Type: EventReceiveMessage})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a slow consumer")
	}
}
