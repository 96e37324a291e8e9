package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/logger"
)

func TestNewHub(t *testing.T) {
	hub := NewHub("", nil)
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastEventNoClients(t *testing.T) {
	hub := NewHub("", nil)
	hub.BroadcastEvent(context.Background(), "bus.event", event.Message{ID: "m1"})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub("", nil)

	// A channel cannot be marshaled to JSON; should log error, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := NewHub("", nil)
	ctx, kick := context.WithCancel(context.Background())
	slow := &client{send: make(chan []byte), kick: kick}
	hub.add(slow)

	hub.BroadcastEvent(context.Background(), "bus.event", event.Message{ID: "m1"})

	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected slow client dropped, %d left", hub.ConnectionCount())
	}
	if ctx.Err() == nil {
		t.Fatal("expected slow client kicked")
	}
	hub.remove(slow)
}

func dial(t *testing.T, srv *httptest.Server, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	want := hub.ConnectionCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	c, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestHubBroadcastFiltersByCorrelation(t *testing.T) {
	hub := NewHub("", nil)
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, hub, "")
	defer func() { _ = all.CloseNow() }()
	one := dial(t, srv, hub, "?correlation_id=proj-2")
	defer func() { _ = one.CloseNow() }()

	hub.BroadcastEvent(logger.WithCorrelationID(context.Background(), "proj-1"), "bus.event",
		event.Message{ID: "m1", Topic: "system.progress", CorrelationID: "proj-1"})
	hub.BroadcastEvent(logger.WithCorrelationID(context.Background(), "proj-2"), "bus.event",
		event.Message{ID: "m2", Topic: "system.progress", CorrelationID: "proj-2"})

	first := readMessage(t, all)
	second := readMessage(t, all)
	if first.CorrelationID != "proj-1" || second.CorrelationID != "proj-2" {
		t.Fatalf("unexpected order %q %q", first.CorrelationID, second.CorrelationID)
	}

	got := readMessage(t, one)
	if got.Type != "bus.event" || got.CorrelationID != "proj-2" {
		t.Fatalf("unexpected message %+v", got)
	}
	var msg event.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if msg.ID != "m2" {
		t.Fatalf("expected m2, got %q", msg.ID)
	}
}

func TestHubRemovesClosedConnection(t *testing.T) {
	hub := NewHub("", nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, hub, "")
	_ = c.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub("", nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, hub, "?correlation_id=proj-1")
	defer func() { _ = c.CloseNow() }()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected a server close, got %v", err)
	}
}
