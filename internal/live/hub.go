package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Vovarama1992/wa-gateway/internal/gateway"
)

const (
	writeWait = 10 * time.Second

	// Events queued per client before it is considered stalled.
	sendQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans live events out to every connected websocket client. Events are
// not buffered for clients that connect later.
type Hub struct {
	logger   *slog.Logger
	greeting func() []gateway.LiveEvent

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

type inbound struct {
	Event string `json:"event"`
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// SetGreeting installs the events sent to each client right after it
// connects. Must be called before serving.
func (h *Hub) SetGreeting(fn func() []gateway.LiveEvent) {
	h.greeting = fn
}

// Publish queues ev for every connected client and never waits on the
// network. A client whose queue is full is disconnected.
func (h *Hub) Publish(ev gateway.LiveEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal live event", "event", ev.Event, "err", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			h.logger.Warn("ui client too slow, disconnecting", "client_id", c.id)
			c.close()
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the client's read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	c := &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Info("ui client connected", "client_id", id)
	go h.writePump(c)

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		c.close()
		h.logger.Info("ui client disconnected", "client_id", id)
	}()

	if h.greeting != nil {
		for _, ev := range h.greeting() {
			c.sendEvent(ev)
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "client_id", id, "err", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(message, &in); err != nil {
			h.logger.Debug("invalid websocket message", "client_id", id, "err", err)
			continue
		}

		switch in.Event {
		case "ping":
			c.sendEvent(gateway.LiveEvent{Event: "pong"})
		default:
			h.logger.Debug("ignored websocket message", "client_id", id, "event", in.Event)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

// writePump is the only writer on c.conn.
func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
				c.close()
				return
			}
		}
	}
}

func (c *client) sendEvent(ev gateway.LiveEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
