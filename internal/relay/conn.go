package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultSendBuffer = 256
)

// Conn is one websocket subscriber.
type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *log.Entry
}

func (c *Conn) ID() string { return c.id }

// Send queues msg for the write pump. It never blocks.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops both pumps and removes the connection from every room.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		left := c.hub.rooms.LeaveAll(c.id)
		c.hub.remove(c)
		_ = c.ws.Close()
		c.logger.WithField("rooms_left", left).Info("websocket client disconnected")
	})
}

func (c *Conn) reply(event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		c.logger.WithError(err).Error("failed to encode reply")
		return
	}
	if !c.Send(msg) {
		c.logger.WithField("event", event).Warn("send buffer full, dropping reply")
	}
}

func (c *Conn) handle(msg Message) {
	switch msg.Event {
	case EventJoin:
		tenantID := TenantFromData(msg.Data)
		if tenantID == "" {
			c.reply(EventError, ErrorPayload{Error: "tenant_id is required"})
			return
		}
		c.hub.rooms.Join(tenantID, c)
		c.logger.WithField("tenant_id", tenantID).Info("joined room")
		c.reply(EventJoined, RoomAck{TenantID: tenantID, Room: RoomName(tenantID)})
	case EventLeave:
		tenantID := TenantFromData(msg.Data)
		if tenantID == "" {
			c.reply(EventError, ErrorPayload{Error: "tenant_id is required"})
			return
		}
		c.hub.rooms.Leave(tenantID, c.id)
		c.logger.WithField("tenant_id", tenantID).Info("left room")
		c.reply(EventLeft, RoomAck{TenantID: tenantID, Room: RoomName(tenantID)})
	default:
		c.reply(EventError, ErrorPayload{Error: "unknown event " + msg.Event})
	}
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.WithError(err).Error("failed to set read deadline")
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("unexpected websocket close")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(EventError, ErrorPayload{Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any. Requests without an Origin header are always accepted.
	AllowedOrigins []string
	SendBuffer     int
}

// Hub accepts websocket connections and tracks them until they close.
type Hub struct {
	rooms      *RoomRegistry
	upgrader   websocket.Upgrader
	sendBuffer int

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHub creates a Hub whose connections join rooms of the registry.
func NewHub(rooms *RoomRegistry, opts HubOptions) *Hub {
	h := &Hub{
		rooms:      rooms,
		sendBuffer: opts.SendBuffer,
		conns:      make(map[string]*Conn),
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	origins := opts.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			log.WithField("origin", origin).Warn("websocket connection rejected from unauthorized origin")
			return false
		},
	}
	return h
}

// ServeWS upgrades the request and starts the connection pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &Conn{
		id:     id,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		logger: log.WithFields(log.Fields{"component": "relay-conn", "conn_id": id}),
	}

	h.mu.Lock()
	h.conns[id] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.WebsocketConnections.Set(float64(n))

	c.logger.WithField("remote", r.RemoteAddr).Info("websocket client connected")
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	metrics.WebsocketConnections.Set(float64(n))
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
