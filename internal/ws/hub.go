package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/pubsub"
	"golang.org/x/time/rate"
)

type membership struct {
	client *Client
	room   string
}

// delivery is an event headed for a room. from is nil for events that came
// in from the cluster.
type delivery struct {
	from  *Client
	room  string
	event pubsub.Event
}

type direct struct {
	client *Client
	frame  Frame
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Local members per room.
	rooms map[string]map[*Client]bool

	// Inbound events from clients and from the cluster.
	broadcast chan delivery

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	join   chan membership
	leave  chan membership
	direct chan direct

	// cluster carries events to and from other relay instances. Optional.
	cluster pubsub.Broker

	locationRate  rate.Limit
	locationBurst int
	publishRate   rate.Limit
	publishBurst  int
	logger        *slog.Logger
	done          chan struct{}
}

type HubOption func(*Hub)

func WithCluster(b pubsub.Broker) HubOption {
	return func(h *Hub) { h.cluster = b }
}

// WithLocationLimit caps location publishes per connection.
func WithLocationLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		if perSecond > 0 {
			h.locationRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			h.locationBurst = burst
		}
	}
}

// WithPublishLimit caps every other kind of publish per connection, so one
// noisy sender is refused before it can overflow the other members' queues.
func WithPublishLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		if perSecond > 0 {
			h.publishRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			h.publishBurst = burst
		}
	}
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logging.OrDefault(l) }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:     make(chan delivery),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		join:          make(chan membership),
		leave:         make(chan membership),
		direct:        make(chan direct),
		clients:       make(map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		locationRate:  2,
		locationBurst: 4,
		publishRate:   10,
		publishBurst:  20,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.cluster != nil {
		go h.pumpCluster(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			metrics.WSConnections.Inc()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case m := <-h.join:
			if !h.clients[m.client] {
				continue
			}
			h.addMember(ctx, m)
			h.sendFrame(m.client, Frame{Type: FrameJoined, Room: m.room})
		case m := <-h.leave:
			if !h.clients[m.client] {
				continue
			}
			h.removeMember(ctx, m)
			h.sendFrame(m.client, Frame{Type: FrameLeft, Room: m.room})
		case d := <-h.direct:
			if h.clients[d.client] {
				h.sendFrame(d.client, d.frame)
			}
		case d := <-h.broadcast:
			h.fanOut(ctx, d)
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, d delivery) {
	source := "local"
	if d.from == nil {
		source = "cluster"
	}
	metrics.RelayEventsTotal.WithLabelValues(d.event.Kind, source).Inc()

	ev := d.event
	msgBytes, err := json.Marshal(Frame{Type: FrameEvent, Room: d.room, Event: &ev})
	if err != nil {
		h.logger.Error("ws: encode event", "room", d.room, "error", err)
		return
	}

	// Broadcast to the other clients in the same room
	for client := range h.rooms[d.room] {
		if client == d.from {
			continue
		}
		select {
		case client.send <- msgBytes:
		default:
			h.logger.Warn("ws: client too slow, disconnecting", "client", client.id)
			metrics.DroppedEventsTotal.WithLabelValues("slow_client").Inc()
			h.drop(client)
		}
	}

	if d.from != nil && h.cluster != nil {
		if err := h.cluster.Publish(ctx, d.room, d.event); err != nil {
			h.logger.Error("ws: cluster publish failed", "room", d.room, "error", err)
		}
	}
}

func (h *Hub) addMember(ctx context.Context, m membership) {
	members := h.rooms[m.room]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[m.room] = members
		if h.cluster != nil {
			if err := h.cluster.Join(ctx, m.room); err != nil {
				h.logger.Error("ws: cluster join failed", "room", m.room, "error", err)
			}
		}
	}
	members[m.client] = true
	m.client.rooms[m.room] = true
}

func (h *Hub) removeMember(ctx context.Context, m membership) {
	members, ok := h.rooms[m.room]
	if !ok {
		return
	}
	delete(members, m.client)
	delete(m.client.rooms, m.room)
	if len(members) == 0 {
		delete(h.rooms, m.room)
		if h.cluster != nil {
			if err := h.cluster.Leave(ctx, m.room); err != nil {
				h.logger.Warn("ws: cluster leave failed", "room", m.room, "error", err)
			}
		}
	}
}

// drop forgets client entirely and closes its send queue.
func (h *Hub) drop(client *Client) {
	for room := range client.rooms {
		h.removeMember(context.Background(), membership{client: client, room: room})
	}
	delete(h.clients, client)
	close(client.send)
	metrics.WSConnections.Dec()
}

func (h *Hub) sendFrame(client *Client, f Frame) {
	msgBytes, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case client.send <- msgBytes:
	default:
		h.drop(client)
	}
}

func (h *Hub) pumpCluster(ctx context.Context) {
	for ev := range h.cluster.Events() {
		select {
		case h.broadcast <- delivery{room: ev.Room, event: ev}:
		case <-ctx.Done():
			return
		}
	}
	h.logger.Warn("ws: cluster connection closed")
}

// submit hands a request to the Run loop unless it has stopped.
func submit[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}
