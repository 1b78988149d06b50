package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Broadcast tests ---

func TestHub_BroadcastReachesClient(t *testing.T) {
	h, url := newTestHub(t)
	conn := dial(t, url)
	defer conn.Close()
	waitForClients(t, h, 1)

	h.Broadcast(Message{Type: "offer_created", Market: "grid", Energy: "10"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"market":"grid"`) {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestHub_BroadcastDropsFailedClients(t *testing.T) {
	h, url := newTestHub(t)

	alive := dial(t, url)
	defer alive.Close()
	doomed := dial(t, url)
	waitForClients(t, h, 2)

	// Kill one client's connection so broadcast writes to it start
	// failing, then hammer broadcasts while polling membership from
	// another goroutine the way the ping pumps do.
	doomed.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.Broadcast(Message{Type: "offer_traded", Market: "grid"})
		}
	}()
	for polling := true; polling; {
		select {
		case <-done:
			polling = false
		default:
			h.ClientCount()
		}
	}

	waitForClients(t, h, 1)

	// The surviving client still receives broadcasts.
	h.Broadcast(Message{Type: "offer_created", Market: "house"})
	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alive.ReadMessage(); err != nil {
		t.Fatalf("surviving client lost its connection: %v", err)
	}
}
