package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris-hammond-ross/pi-podcast/internal/logging"
	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestNewSubscriberGetsSnapshotReplay(t *testing.T) {
	h := New(logging.Discard())
	h.SetSnapshot(func() []model.Event {
		return []model.Event{
			{Type: model.EventSystemStatus, Data: map[string]any{"bluetooth_connected": true}},
			{Type: model.EventDevicesList, Data: []model.DeviceView{{MAC: "00:11:22:33:44:56"}}},
		}
	})

	conn := dialTestHub(t, h)

	if ev := readEvent(t, conn); ev.Type != model.EventSystemStatus {
		t.Fatalf("first replay event = %s, want system-status", ev.Type)
	}
	if ev := readEvent(t, conn); ev.Type != model.EventDevicesList {
		t.Fatalf("second replay event = %s, want devices-list", ev.Type)
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := New(logging.Discard())
	conn := dialTestHub(t, h)

	// The client registers asynchronously with respect to Dial returning.
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	h.Publish(model.Event{Type: model.EventDeviceFound, Data: map[string]any{"mac": "AA:BB:CC:DD:EE:FF"}})

	if ev := readEvent(t, conn); ev.Type != model.EventDeviceFound {
		t.Fatalf("event = %s, want device-found", ev.Type)
	}
}

func TestPingGetsPongAndMalformedKeepsConnectionOpen(t *testing.T) {
	h := New(logging.Discard())
	conn := dialTestHub(t, h)

	// Malformed payload must be tolerated.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	if ev := readEvent(t, conn); ev.Type != model.EventPong {
		t.Fatalf("event = %s, want pong", ev.Type)
	}
}

func TestSlowSubscriberIsDroppedNotAwaited(t *testing.T) {
	h := New(logging.Discard())
	conn := dialTestHub(t, h)
	_ = conn // never read: the send buffer fills up

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Large payloads so the kernel socket buffer fills instead of silently
	// absorbing the backlog.
	payload := strings.Repeat("x", 64*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Well past the buffer size; Publish must never block.
		for i := 0; i < clientSendSize*4; i++ {
			h.Publish(model.Event{Type: model.EventOutput, Data: payload})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if h.ClientCount() != 0 {
		t.Fatal("slow subscriber still registered")
	}
}
