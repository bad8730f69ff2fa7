// Package transport delivers pipeline events to WebSocket subscribers.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamscribe/caption-gateway/internal/events"
	"github.com/streamscribe/caption-gateway/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Caption viewers connect from arbitrary pages; transcripts are
		// not sensitive enough to warrant an origin allowlist here.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	clientBacklog = 64 // events queued per connection before drops
)

// client is one WebSocket viewer connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func (c *client) enqueue(v any) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans transcript and level events out to connected viewers. Each
// connection has a bounded send queue; a viewer that cannot keep up loses
// events instead of stalling the pipeline.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]*client),
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnTranscript implements events.TranscriptSubscriber.
func (h *Hub) OnTranscript(ev events.TranscriptEvent) {
	h.broadcast(ev)
}

// OnLevel implements events.LevelSubscriber.
func (h *Hub) OnLevel(ev events.LevelEvent) {
	h.broadcast(struct {
		Kind string `json:"kind"`
		events.LevelEvent
	}{Kind: "level", LevelEvent: ev})
}

func (h *Hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.enqueue(v) {
			observability.RecordSubscriberDrop("websocket")
			h.log.Debug().Str("client_id", c.id).Msg("Viewer queue full, event dropped")
		}
	}
}

// ServeHTTP upgrades the connection and serves it until the viewer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan any, clientBacklog),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Info().Str("client_id", c.id).Msg("Viewer connected")

	go h.readPump(c)
	h.writePump(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	conn.Close()
	h.log.Info().Str("client_id", c.id).Msg("Viewer disconnected")
}

// readPump drains inbound frames. Viewers do not send application
// messages; reading is still required to process pings and detect close.
func (h *Hub) readPump(c *client) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump serializes queued events to the connection and keeps it alive
// with periodic pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				h.log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// CloseAll disconnects every viewer. Called on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
