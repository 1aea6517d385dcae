package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
)

const (
	DefaultBuffer = 64
	leaveTimeout  = 5 * time.Second
)

// Manager owns at most one Broker connection, dialled on first use. Rooms are
// joined on their first local subscriber and left with their last; the
// connection is closed when the last subscription goes away.
type Manager struct {
	dial   Dialer
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	conn   Broker
	rooms  map[string]map[*Subscription]struct{}
	subs   int
	closed bool

	// routes is an immutable snapshot of rooms read by dispatch without mu.
	// Join and Leave wait for acks that arrive behind room events, so
	// dispatch must never block on mu.
	routes atomic.Pointer[map[string][]*Subscription]
}

var _ Channel = (*Manager)(nil)

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrDefault(l) }
}

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

func NewManager(dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:   dial,
		logger: slog.Default(),
		buffer: DefaultBuffer,
		rooms:  make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publishRoutesLocked()
	return m
}

// publishRoutesLocked replaces the dispatch snapshot after rooms changed.
func (m *Manager) publishRoutesLocked() {
	routes := make(map[string][]*Subscription, len(m.rooms))
	for room, members := range m.rooms {
		subs := make([]*Subscription, 0, len(members))
		for sub := range members {
			subs = append(subs, sub)
		}
		routes[room] = subs
	}
	m.routes.Store(&routes)
}

// connLocked returns the live connection, dialling one if needed.
func (m *Manager) connLocked(ctx context.Context) (Broker, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrChannelUnavailable, err)
	}
	m.conn = conn
	go m.pump(conn)
	m.logger.Debug("pubsub: connected", "conn", conn.ID())
	return conn, nil
}

func (m *Manager) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	members := m.rooms[room]
	if len(members) == 0 {
		if err := conn.Join(ctx, room); err != nil {
			if m.subs == 0 {
				m.dropConnLocked()
			}
			return nil, fmt.Errorf("%w: join %s: %v", ErrChannelUnavailable, room, err)
		}
		members = make(map[*Subscription]struct{})
		m.rooms[room] = members
	}

	sub := &Subscription{Room: room, m: m, ch: make(chan Event, m.buffer)}
	sub.C = sub.ch
	members[sub] = struct{}{}
	m.subs++
	m.publishRoutesLocked()
	return sub, nil
}

// Publish sends ev to every other participant in room.
func (m *Manager) Publish(ctx context.Context, room string, ev Event) error {
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	ev.Room = room
	if err := conn.Publish(ctx, room, ev); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrChannelUnavailable, room, err)
	}
	return nil
}

// Close fails every open subscription and drops the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.failAllLocked(ErrClosed)
	return m.dropConnLocked()
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[sub.Room]
	if !ok {
		return
	}
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	m.subs--
	if len(members) == 0 {
		delete(m.rooms, sub.Room)
	}
	m.publishRoutesLocked()

	if len(members) == 0 && m.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := m.conn.Leave(ctx, sub.Room); err != nil {
			m.logger.Warn("pubsub: leave failed", "room", sub.Room, "error", err)
		}
		cancel()
	}
	if m.subs == 0 {
		m.dropConnLocked()
	}
}

func (m *Manager) dropConnLocked() error {
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.logger.Debug("pubsub: disconnecting", "conn", conn.ID())
	return conn.Close()
}

func (m *Manager) failAllLocked(cause error) {
	for room, members := range m.rooms {
		for sub := range members {
			sub.fail(cause)
		}
		delete(m.rooms, room)
	}
	m.subs = 0
	m.publishRoutesLocked()
}

func (m *Manager) pump(conn Broker) {
	for ev := range conn.Events() {
		m.dispatch(ev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.logger.Warn("pubsub: connection lost", "conn", conn.ID())
	m.conn = nil
	m.failAllLocked(ErrChannelUnavailable)
}

func (m *Manager) dispatch(ev Event) {
	routes := *m.routes.Load()
	for _, sub := range routes[ev.Room] {
		if !sub.deliver(ev) {
			metrics.DroppedEventsTotal.WithLabelValues("slow_subscriber").Inc()
			m.logger.Warn("pubsub: subscriber queue full, dropping event", "room", ev.Room, "kind", ev.Kind)
		}
	}
}

// Subscription is one local listener on a room. C is closed after Cancel or
// when the underlying connection is lost; Err tells the two apart.
type Subscription struct {
	Room string
	C    <-chan Event

	m  *Manager
	ch chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// deliver reports false when the event had to be dropped.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = cause
	close(s.ch)
}

// Err is nil while the subscription is open or after Cancel, and the cause
// otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops delivery. Once it returns nothing more is sent on C.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.m.remove(s)
}
