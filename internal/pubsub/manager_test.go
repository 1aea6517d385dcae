package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pliu/petbuddy/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBroker records the room traffic a Manager generates.
type countingBroker struct {
	Broker

	mu     sync.Mutex
	joins  map[string]int
	leaves map[string]int
	closed bool
}

func (c *countingBroker) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	c.joins[room]++
	c.mu.Unlock()
	return c.Broker.Join(ctx, room)
}

func (c *countingBroker) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	c.leaves[room]++
	c.mu.Unlock()
	return c.Broker.Leave(ctx, room)
}

func (c *countingBroker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Broker.Close()
}

type countingDialer struct {
	bus   *Bus
	dials atomic.Int32
	mu    sync.Mutex
	last  *countingBroker
}

func (d *countingDialer) dial(context.Context) (Broker, error) {
	d.dials.Add(1)
	b := &countingBroker{Broker: d.bus.Connect(), joins: map[string]int{}, leaves: map[string]int{}}
	d.mu.Lock()
	d.last = b
	d.mu.Unlock()
	return b, nil
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerReferenceCounting(t *testing.T) {
	d := &countingDialer{bus: NewBus()}
	m := NewManager(d.dial, WithLogger(logging.Discard()))
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	c, err := m.Subscribe(ctx, "trip-7")
	require.NoError(t, err)

	assert.EqualValues(t, 1, d.dials.Load(), "connection is shared")
	conn := d.last
	assert.Equal(t, 1, conn.joins["ticket-42"])
	assert.Equal(t, 1, conn.joins["trip-7"])

	a.Cancel()
	assert.Equal(t, 0, conn.leaves["ticket-42"], "room still has a subscriber")
	b.Cancel()
	assert.Equal(t, 1, conn.leaves["ticket-42"])
	assert.False(t, conn.closed)

	c.Cancel()
	assert.True(t, conn.closed, "last cancel closes the connection")

	// Cancel is idempotent.
	c.Cancel()

	_, err = m.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.dials.Load(), "next subscribe redials")
}

func TestManagerFanOutWithoutEcho(t *testing.T) {
	bus := NewBus()
	alice := NewManager(bus.Dialer())
	bob := NewManager(bus.Dialer())
	ctx := context.Background()

	aSub, err := alice.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	bSub, err := bob.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	other, err := bob.Subscribe(ctx, "ticket-43")
	require.NoError(t, err)

	ev, err := NewEvent(KindMessage, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, "ticket-42", ev))

	got := recv(t, bSub)
	assert.Equal(t, KindMessage, got.Kind)
	assert.Equal(t, "ticket-42", got.Room)
	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "world", payload["hello"])

	assertQuiet(t, aSub)
	assertQuiet(t, other)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	pub := NewManager(bus.Dialer())
	m := NewManager(bus.Dialer())
	ctx := context.Background()

	keep, err := m.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	gone, err := m.Subscribe(ctx, "ticket-42")
	require.NoError(t, err)
	gone.Cancel()

	require.NoError(t, pub.Publish(ctx, "ticket-42", Event{Kind: KindMessage, Data: []byte(`1`)}))
	recv(t, keep)

	_, ok := <-gone.C
	assert.False(t, ok, "cancelled subscription channel is closed")
	assert.NoError(t, gone.Err())
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	pub := NewManager(bus.Dialer())
	m := NewManager(bus.Dialer(), WithBuffer(2), WithLogger(logging.Discard()))
	ctx := context.Background()

	slow, err := m.Subscribe(ctx, "trip-7")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(ctx, "trip-7", Event{Kind: KindLocation, Data: []byte(`{}`)}))
	}

	require.Eventually(t, func() bool { return len(slow.C) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, slow.C, 2, "buffer never grows past its size")
}

func TestConnectionLossFailsSubscriptions(t *testing.T) {
	d := &countingDialer{bus: NewBus()}
	m := NewManager(d.dial, WithLogger(logging.Discard()))

	sub, err := m.Subscribe(context.Background(), "ticket-42")
	require.NoError(t, err)
	d.last.Broker.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrChannelUnavailable)
}

func TestDialFailure(t *testing.T) {
	m := NewManager(func(context.Context) (Broker, error) { return nil, errors.New("refused") })

	_, err := m.Subscribe(context.Background(), "ticket-42")
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	err = m.Publish(context.Background(), "ticket-42", Event{Kind: KindMessage})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestManagerClose(t *testing.T) {
	m := NewManager(NewBus().Dialer())
	sub, err := m.Subscribe(context.Background(), "ticket-42")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = m.Subscribe(context.Background(), "ticket-42")
	assert.ErrorIs(t, err, ErrClosed)
	sub.Cancel()
}

// streamBroker delivers events and join/leave acks on one ordered stream,
// the way a relay connection does. Every Join and Leave is answered only
// after a burst of traffic for another room.
type streamBroker struct {
	frames chan streamFrame
	events chan Event
	acks   chan struct{}
	done   chan struct{}
	once   sync.Once
}

type streamFrame struct {
	ack bool
	ev  Event
}

func newStreamBroker() *streamBroker {
	b := &streamBroker{
		frames: make(chan streamFrame, 128),
		events: make(chan Event, 4),
		acks:   make(chan struct{}, 8),
		done:   make(chan struct{}),
	}
	go b.read()
	return b
}

func (b *streamBroker) read() {
	defer close(b.events)
	for {
		select {
		case f := <-b.frames:
			if f.ack {
				b.acks <- struct{}{}
				continue
			}
			select {
			case b.events <- f.ev:
			case <-b.done:
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *streamBroker) roundTrip(ctx context.Context) error {
	for i := 0; i < 20; i++ {
		b.frames <- streamFrame{ev: Event{Kind: KindMessage, Room: "busy"}}
	}
	b.frames <- streamFrame{ack: true}
	select {
	case <-b.acks:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *streamBroker) ID() string { return "stream" }

func (b *streamBroker) Events() <-chan Event { return b.events }

func (b *streamBroker) Join(ctx context.Context, _ string) error { return b.roundTrip(ctx) }

func (b *streamBroker) Leave(ctx context.Context, _ string) error { return b.roundTrip(ctx) }

func (b *streamBroker) Publish(context.Context, string, Event) error { return nil }

func (b *streamBroker) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func TestJoinAckBehindRoomTraffic(t *testing.T) {
	b := newStreamBroker()
	m := NewManager(func(context.Context) (Broker, error) { return b, nil },
		WithBuffer(2), WithLogger(logging.Discard()))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	busy, err := m.Subscribe(ctx, "busy")
	require.NoError(t, err)
	quiet, err := m.Subscribe(ctx, "quiet")
	require.NoError(t, err)

	// The busy subscriber keeps getting traffic queued behind later acks.
	recv(t, busy)

	done := make(chan struct{})
	go func() {
		quiet.Cancel()
		busy.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel stalled behind room traffic")
	}
}
