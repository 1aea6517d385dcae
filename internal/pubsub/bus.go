package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pliu/petbuddy/internal/metrics"
)

const busQueue = 256

// Bus is an in-process broker. Every Connect returns an independent
// connection, so a single process can host several participants.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string]map[*busConn]struct{}
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[*busConn]struct{})}
}

func (b *Bus) Connect() Broker {
	return &busConn{
		bus:    b,
		id:     uuid.NewString(),
		events: make(chan Event, busQueue),
		joined: make(map[string]struct{}),
	}
}

func (b *Bus) Dialer() Dialer {
	return func(context.Context) (Broker, error) {
		return b.Connect(), nil
	}
}

type busConn struct {
	bus    *Bus
	id     string
	events chan Event

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

func (c *busConn) ID() string { return c.id }

func (c *busConn) Events() <-chan Event { return c.events }

func (c *busConn) Join(_ context.Context, room string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.joined[room] = struct{}{}
	c.mu.Unlock()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	members := c.bus.rooms[room]
	if members == nil {
		members = make(map[*busConn]struct{})
		c.bus.rooms[room] = members
	}
	members[c] = struct{}{}
	return nil
}

func (c *busConn) Leave(_ context.Context, room string) error {
	c.mu.Lock()
	delete(c.joined, room)
	c.mu.Unlock()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.removeLocked(room, c)
	return nil
}

func (b *Bus) removeLocked(room string, c *busConn) {
	members := b.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

func (c *busConn) Publish(_ context.Context, room string, ev Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ev.Room = room
	ev.Origin = c.id

	c.bus.mu.RLock()
	defer c.bus.mu.RUnlock()
	for peer := range c.bus.rooms[room] {
		if peer == c {
			continue
		}
		peer.deliver(ev)
	}
	return nil
}

func (c *busConn) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		metrics.DroppedEventsTotal.WithLabelValues("bus_full").Inc()
	}
}

func (c *busConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rooms := make([]string, 0, len(c.joined))
	for room := range c.joined {
		rooms = append(rooms, room)
	}
	close(c.events)
	c.mu.Unlock()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, room := range rooms {
		c.bus.removeLocked(room, c)
	}
	return nil
}
