package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
)

// Hub fans registry and controller events out to every connected WebSocket
// subscriber. Delivery is best-effort and non-blocking: a slow client is
// skipped and dropped, never awaited.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	snapshot func() []model.Event

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan model.Event
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// LAN appliance: the UI is served from the same box.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// SetSnapshot registers the provider whose events are replayed to every new
// subscriber before any organic event reaches it.
func (h *Hub) SetSnapshot(fn func() []model.Event) {
	h.snapshot = fn
}

// Publish sends one event to all subscribers. A client whose buffer is full
// is dropped rather than back-pressuring the producer.
func (h *Hub) Publish(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// ClientCount reports the number of open subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into a subscriber connection, replays the
// current snapshot and then pumps events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan model.Event, clientSendSize)}

	// Queue the replay before the client is visible to Publish, so no
	// organic event can jump ahead of the snapshot.
	if h.snapshot != nil {
		for _, ev := range h.snapshot() {
			c.send <- ev
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			// Malformed inbound messages are logged; the connection stays open.
			h.logger.Warn("malformed websocket message", "raw", string(raw))
			continue
		}
		switch msg.Type {
		case "ping":
			h.sendTo(c, model.Event{Type: model.EventPong})
		default:
			h.logger.Debug("unhandled websocket message", "type", msg.Type)
		}
	}
}

// sendTo delivers one event to a single live client, non-blocking.
func (h *Hub) sendTo(c *client, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- ev:
	default:
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// removeLocked unregisters a client and closes its channel exactly once;
// membership in the client map is the ownership guard.
func (h *Hub) removeLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}
