package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stockdesk/internal/domain/notification"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection is one WebSocket of a user.
type connection struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks open notification sockets per user. A user may have several.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*connection]struct{}

	heartbeat time.Duration
	clock     clock.Clock
	log       *slog.Logger
}

func NewHub(heartbeat time.Duration, c clock.Clock, log *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Hub{
		connections: make(map[string]map[*connection]struct{}),
		heartbeat:   heartbeat,
		clock:       c,
		log:         logger.OrDiscard(log).With(logger.Component("ws-hub")),
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[c.userID]
	if !ok {
		set = make(map[*connection]struct{})
		h.connections[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.connections, c.userID)
	}
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

func frame(typ string, data any) ([]byte, error) {
	return json.Marshal(map[string]any{"type": typ, "data": data})
}

// SendToUser queues a frame on every socket of userID. It reports whether
// at least one socket took it.
func (h *Hub) SendToUser(userID, typ string, data any) bool {
	msg, err := frame(typ, data)
	if err != nil {
		h.log.Error("encode frame", logger.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for c := range h.connections[userID] {
		select {
		case c.send <- msg:
			delivered = true
		default:
			// slow client
		}
	}
	return delivered
}

// SendNotification pushes n to userID's sockets.
func (h *Hub) SendNotification(userID string, n notification.Notification) bool {
	return h.SendToUser(userID, notification.FrameNotification, n)
}

// ServeWS greets the socket, then pumps frames until it closes.
func (h *Hub) ServeWS(conn *websocket.Conn, userID string) {
	c := &connection{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
	}
	h.register(c)
	h.log.Info("socket connected", "user_id", userID)

	if msg, err := frame(notification.FrameConnected, map[string]any{
		"user_id":   userID,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	}); err == nil {
		c.send <- msg
	}

	go h.writePump(c)
	h.readPump(c)
	h.log.Info("socket disconnected", "user_id", userID)
}

// readPump only drains the socket; clients send nothing the server acts on.
func (h *Hub) readPump(c *connection) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("socket read failed", "user_id", c.userID, logger.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ping := time.NewTicker(pingPeriod)
	beat := time.NewTicker(h.heartbeat)
	defer func() {
		ping.Stop()
		beat.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-beat.C:
			msg, _ := frame(notification.FrameHeartbeat, map[string]any{
				"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
			})
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.connections {
		for c := range set {
			close(c.send)
		}
		delete(h.connections, userID)
	}
}
