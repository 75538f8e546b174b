// Package notify pushes "tasks changed" events to a user's connected clients
// over websockets so they can start a sync cycle without waiting for a timer.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// Message types sent to subscribers
const (
	TypeConnected    = "connected"
	TypeTasksChanged = "tasks_changed"
)

const writeTimeout = 5 * time.Second

// Message is the JSON frame written to subscribers
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks websocket subscribers per user
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*websocket.Conn]struct{}

	originPatterns []string
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. originPatterns is passed to websocket.Accept; an empty
// list only accepts same-origin browser connections (non-browser clients send no Origin).
func NewHub(originPatterns []string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:        make(map[int64]map[*websocket.Conn]struct{}),
		originPatterns: originPatterns,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// TasksChanged notifies every connection of ownerID. It never blocks the caller on
// slow clients; writes happen on a separate goroutine.
func (h *Hub) TasksChanged(ownerID int64) {
	conns := h.snapshot(ownerID)
	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(Message{Type: TypeTasksChanged, Timestamp: h.now().UTC()})
	if err != nil {
		logger.Error("failed to marshal notification", "error", err)
		return
	}
	go h.broadcast(ownerID, conns, data)
}

func (h *Hub) snapshot(ownerID int64) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(h.clients[ownerID]))
	for conn := range h.clients[ownerID] {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) broadcast(ownerID int64, conns []*websocket.Conn, data []byte) {
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			logger.Debug("failed to notify subscriber", "user_id", ownerID, "error", err)
			h.remove(ownerID, conn)
		}
	}
}

// ServeWS upgrades the request and keeps the connection subscribed to userID's
// events until the client goes away or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	log := logger.Ctx(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[userID][conn] = struct{}{}
	count := len(h.clients[userID])
	h.mu.Unlock()

	log.Debug("sync subscriber connected", "user_id", userID, "connections", count)

	welcome, _ := json.Marshal(Message{Type: TypeConnected, Timestamp: h.now().UTC()})
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	err = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()
	if err != nil {
		h.remove(userID, conn)
		return
	}

	// Subscribers send nothing; reading only detects close frames and dead peers
	defer h.remove(userID, conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) remove(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	conns := h.clients[userID]
	_, ok := conns[conn]
	if ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Count returns the number of open connections for userID
func (h *Hub) Count(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	all := h.clients
	h.clients = make(map[int64]map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
	}
}
