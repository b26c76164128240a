package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlock/driftlock/internal/session"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestWSHubDeliversUpdates(t *testing.T) {
	bus := NewBus()
	hub := NewWSHub(bus)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitClients(t, hub, 1)

	bus.Publish(Notification{
		SessionID: "sess-1",
		Status:    session.StatusExecuting,
		Phase:     "lock_source",
		Progress:  25,
		Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "session_update" {
		t.Errorf("type = %q, want session_update", msg.Type)
	}
	if msg.Data.SessionID != "sess-1" || msg.Data.Progress != 25 {
		t.Errorf("payload = %+v", msg.Data)
	}
}

func TestWSHubConnectAfterStop(t *testing.T) {
	bus := NewBus()
	hub := NewWSHub(bus)
	hub.Start()
	hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	// The hub loop has exited; the handler must turn the connection away
	// instead of blocking on the register channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage() // server closes the connection promptly
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection attempt against a stopped hub stalled")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("client count = %d, want 0", n)
	}
}
