package apitest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tasksync/internal/api"
)

const (
	hubSendBuffer   = 256
	hubWriteTimeout = 5 * time.Second
)

// Hub fans push events out to websocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	changed chan struct{}
	closed  bool
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewHub creates a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		conns:   make(map[*hubConn]struct{}),
		changed: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("push upgrade failed", "error", err)
		return
	}
	c := &hubConn{ws: ws, send: make(chan []byte, hubSendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.notifyLocked()
	h.mu.Unlock()
	h.logger.Info("push client connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)

	// Reading keeps control frames (ping, close) flowing.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Info("push client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) writeLoop(c *hubConn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Info("push write failed", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *hubConn) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.notifyLocked()
	}
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// Broadcast sends ev to every connected client. A client whose buffer is full
// is disconnected; it will reconnect and rehydrate.
func (h *Hub) Broadcast(ev api.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode push event", "error", err)
		return
	}
	h.mu.Lock()
	var slow []*hubConn
	for c := range h.conns {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.logger.Warn("push client too slow, dropping")
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// WaitClients blocks until exactly n clients are connected.
func (h *Hub) WaitClients(ctx context.Context, n int) error {
	for {
		h.mu.Lock()
		if len(h.conns) == n {
			h.mu.Unlock()
			return nil
		}
		ch := h.changed
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DisconnectAll drops every client; they are free to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.remove(c)
	}
}

// Close drops every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DisconnectAll()
}
