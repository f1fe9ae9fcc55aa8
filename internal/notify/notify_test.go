package notify

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// dialPair returns a connected client/server WebSocket pair.
func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server := <-serverConns
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := testHub()
	client, server := dialPair(t)

	if !h.Subscribe("u1", server) {
		t.Fatal("Subscribe returned false")
	}

	h.Publish("u1", Event{Type: "integration.sync", Level: "info", Message: "done"})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "integration.sync" || got.Message != "done" {
		t.Errorf("event = %+v", got)
	}
	if got.Time.IsZero() {
		t.Error("publish did not stamp time")
	}
}

func TestPublishIsScopedToUser(t *testing.T) {
	h := testHub()
	_, server := dialPair(t)
	if !h.Subscribe("u1", server) {
		t.Fatal("Subscribe returned false")
	}

	h.Publish("u2", Event{Type: "x", Message: "not for u1"})

	if got := h.Backlog("u1"); len(got) != 0 {
		t.Errorf("u1 backlog = %d events, want 0", len(got))
	}
	if got := h.Backlog("u2"); len(got) != 1 {
		t.Errorf("u2 backlog = %d events, want 1", len(got))
	}
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	h := testHub()
	h.Publish("u1", Event{Type: "a", Message: "first"})
	h.Publish("u1", Event{Type: "b", Message: "second"})

	client, server := dialPair(t)
	if !h.Subscribe("u1", server) {
		t.Fatal("Subscribe returned false")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Event
	if err := client.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := client.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if first.Type != "a" || second.Type != "b" {
		t.Errorf("replay order = %q, %q, want a, b", first.Type, second.Type)
	}
}

func TestBacklogIsBounded(t *testing.T) {
	h := testHub()
	for i := 0; i < backlogSize+20; i++ {
		h.Publish("u1", Event{Type: "tick", Message: fmt.Sprintf("%d", i)})
	}

	got := h.Backlog("u1")
	if len(got) != backlogSize {
		t.Fatalf("backlog = %d events, want %d", len(got), backlogSize)
	}
	// Oldest entries are dropped first.
	if got[0].Message != "20" {
		t.Errorf("oldest retained = %q, want %q", got[0].Message, "20")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := testHub()
	_, server := dialPair(t)
	if !h.Subscribe("u1", server) {
		t.Fatal("Subscribe returned false")
	}
	h.Unsubscribe("u1", server)
	h.Unsubscribe("u1", server) // safe to repeat

	// No subscribers left; publish only lands in the backlog.
	h.Publish("u1", Event{Type: "x"})
	if got := h.Backlog("u1"); len(got) != 1 {
		t.Errorf("backlog = %d events, want 1", len(got))
	}
}
