// Websocket fan-out for connected agents. All writes to a connection go
// through its Send channel and writePump goroutine; readPump owns all reads.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawger/backend/internal/core"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64 // per-agent outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin returns an origin validator based on the deployment
// environment. In production, only origins listed in CLAWGER_ALLOWED_ORIGINS
// are accepted; dev and staging allow all origins.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("CLAWGER_ENV")
	allowedRaw := os.Getenv("CLAWGER_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[Dispatch] Rejected websocket origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[Dispatch] ⚠️  CLAWGER_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// Hub tracks connected agent streams. One connection per agent; a new
// connection for the same agent replaces the old one.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*agentConn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*agentConn)}
}

type agentConn struct {
	hub     *Hub
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// HandleWebSocket upgrades the request and streams tasks to the agent named
// in the X-Agent-ID header.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		http.Error(w, "missing X-Agent-ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Dispatch] Websocket upgrade failed", "error", err)
		return
	}

	ac := &agentConn{
		hub:     h,
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	// Swap under the lock, close the replaced stream after releasing it:
	// close() re-acquires h.mu to deregister itself.
	h.mu.Lock()
	old := h.conns[agentID]
	h.conns[agentID] = ac
	h.mu.Unlock()
	if old != nil {
		old.close()
	}

	slog.Info("[Dispatch] Agent stream connected", "agent_id", agentID)
	go ac.writePump()
	go ac.readPump()
}

// Push sends a task to the agent's stream if one is connected. Dropped
// silently otherwise; the durable queue is the source of truth and the agent
// picks the task up on its next poll.
func (h *Hub) Push(agentID string, task *core.DispatchTask) {
	h.mu.RLock()
	ac, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(task)
	if err != nil {
		slog.Warn("[Dispatch] Failed to marshal task for stream", "task_id", task.ID, "error", err)
		return
	}
	select {
	case ac.send <- data:
	default:
		slog.Warn("[Dispatch] Stream buffer full, dropping push", "agent_id", agentID, "task_id", task.ID)
	}
}

// Connected reports whether the agent has an open stream.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

func (ac *agentConn) close() {
	ac.once.Do(func() {
		close(ac.done)
		ac.hub.mu.Lock()
		if ac.hub.conns[ac.agentID] == ac {
			delete(ac.hub.conns, ac.agentID)
		}
		ac.hub.mu.Unlock()
		ac.conn.Close()
		slog.Info("[Dispatch] Agent stream disconnected", "agent_id", ac.agentID)
	})
}

// writePump is the only goroutine that writes to the connection.
func (ac *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ac.close()
	}()

	for {
		select {
		case message, ok := <-ac.send:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ac.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ac.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ac.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ac.done:
			return
		}
	}
}

// readPump owns all reads; inbound frames are only pong/close traffic.
func (ac *agentConn) readPump() {
	defer ac.close()
	ac.conn.SetReadLimit(maxMsgSize)
	ac.conn.SetReadDeadline(time.Now().Add(pongWait))
	ac.conn.SetPongHandler(func(string) error {
		ac.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := ac.conn.ReadMessage(); err != nil {
			return
		}
	}
}
