package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avelasco/opsbot/internal/hitl"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		return isAllowedOrigin(origin)
	},
}

// wsClient is one WebSocket connection. It doubles as a hitl.Channel: every
// session it subscribes to attaches this client in the connection registry,
// and orchestration events arrive through Send.
type wsClient struct {
	key    string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu       sync.Mutex
	closed   bool
	sessions map[string]bool
}

func (c *wsClient) Key() string { return c.key }

// Send implements hitl.Channel. It never blocks; a client that cannot keep
// up loses events rather than stalling the fan-out.
func (c *wsClient) Send(evt hitl.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		slog.Warn("websocket client dropped event", "key", c.key, "type", evt.Type)
	}
}

// enqueue hands a frame to writePump. The mutex covers both the closed check
// and the channel send, so a concurrent close cannot slip in between.
func (c *wsClient) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// handleWebSocket authenticates and upgrades the connection. Browsers cannot
// set headers on WebSocket handshakes, so the JWT arrives as a query param.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !s.auth.ValidateToken(token) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		key:      "ws:" + uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 256),
		server:   s,
		sessions: make(map[string]bool),
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.detachAll()
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "key", c.key, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Send any queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleMessage(message []byte) {
	var msg struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		TaskID    string `json:"taskId"`
		RequestID string `json:"requestId"`
		Content   string `json:"content"`
		Approved  bool   `json:"approved"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Debug("invalid websocket message", "key", c.key, "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.SessionID == "" {
			return
		}
		c.mu.Lock()
		c.sessions[msg.SessionID] = true
		c.mu.Unlock()
		c.server.registry.Attach(msg.SessionID, c)
		c.sendJSON(map[string]string{"type": "subscribed", "sessionId": msg.SessionID})

	case "unsubscribe":
		if msg.SessionID == "" {
			return
		}
		c.mu.Lock()
		delete(c.sessions, msg.SessionID)
		c.mu.Unlock()
		c.server.registry.Detach(msg.SessionID, c.key)
		c.sendJSON(map[string]string{"type": "unsubscribed", "sessionId": msg.SessionID})

	case "message":
		// Start a task. On a busy session the fan-out delivers session_busy,
		// so only unexpected failures need an inline reply.
		if msg.SessionID == "" || msg.Content == "" {
			return
		}
		if _, err := c.server.tasks.StartTask(msg.SessionID, msg.Content); err != nil && !errors.Is(err, hitl.ErrBusy) {
			c.sendJSON(map[string]string{"type": "error", "error": err.Error()})
		}

	case "cancel":
		if msg.TaskID == "" {
			return
		}
		if err := c.server.tasks.Cancel(msg.TaskID); err != nil {
			c.sendJSON(map[string]string{"type": "error", "error": err.Error()})
		}

	case "resolve":
		if msg.RequestID == "" {
			return
		}
		err := c.server.resolver.Resolve(msg.RequestID, msg.Approved, msg.Answer, c.key)
		if errors.Is(err, hitl.ErrAlreadyResolved) {
			c.sendJSON(map[string]string{"type": "resolve_rejected", "requestId": msg.RequestID})
		} else if err != nil {
			c.sendJSON(map[string]string{"type": "error", "error": err.Error()})
		}

	case "ping":
		c.sendJSON(map[string]string{"type": "pong"})
	}
}

func (c *wsClient) detachAll() {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.sessions = make(map[string]bool)
	c.mu.Unlock()

	for _, id := range sessions {
		c.server.registry.Detach(id, c.key)
	}
}

func (c *wsClient) sendJSON(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(message)
}
