package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/pubsub"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Connections authenticate with a bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages. Only the hub writes to it.
	send chan []byte

	id          string
	participant models.Participant
	locations   *rate.Limiter
	publishes   *rate.Limiter
	logger      *slog.Logger

	// Rooms this client joined. Owned by the hub goroutine.
	rooms map[string]bool
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		submit(c.hub, c.hub.unregister, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("ws: read failed", "client", c.id, "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.reject("malformed frame")
			continue
		}
		if !c.handle(f) {
			return
		}
	}
}

// handle reports false once the hub has stopped.
func (c *Client) handle(f Frame) bool {
	if f.Room == "" && f.Type != "" {
		c.reject("room is required")
		return true
	}

	switch f.Type {
	case FrameJoin:
		return submit(c.hub, c.hub.join, membership{client: c, room: f.Room})
	case FrameLeave:
		return submit(c.hub, c.hub.leave, membership{client: c, room: f.Room})
	case FramePublish:
		if f.Event == nil || f.Event.Kind == "" {
			c.reject("publish needs an event with a kind")
			return true
		}
		limiter := c.publishes
		if f.Event.Kind == pubsub.KindLocation {
			limiter = c.locations
		}
		if !limiter.Allow() {
			metrics.DroppedEventsTotal.WithLabelValues("rate_limited").Inc()
			c.reject(f.Event.Kind + " rate limit exceeded")
			return true
		}
		ev := *f.Event
		ev.Room = f.Room
		ev.Origin = c.id
		return submit(c.hub, c.hub.broadcast, delivery{from: c, room: f.Room, event: ev})
	default:
		c.reject("unknown frame type " + f.Type)
		return true
	}
}

func (c *Client) reject(reason string) {
	submit(c.hub, c.hub.direct, direct{client: c, frame: Frame{Type: FrameError, Error: reason}})
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles websocket requests from an authenticated participant.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, who models.Participant) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendQueue),
		id:          uuid.NewString(),
		participant: who,
		locations:   rate.NewLimiter(hub.locationRate, hub.locationBurst),
		publishes:   rate.NewLimiter(hub.publishRate, hub.publishBurst),
		logger:      hub.logger,
		rooms:       make(map[string]bool),
	}
	if !submit(hub, hub.register, client) {
		conn.Close()
		return
	}
	hub.logger.Debug("ws: client connected", "client", client.id, "participant", who.ID)

	go client.writePump()
	go client.readPump()
}
