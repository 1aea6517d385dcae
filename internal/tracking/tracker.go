// Package tracking moves live driver positions from a locator, over a
// pubsub channel, to map views that draw the driver and a route to the
// destination.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/pubsub"
)

type State string

const (
	StateAcquiring State = "acquiring"
	StateTracking  State = "tracking"
	StateDegraded  State = "degraded"
	StateClosed    State = "closed"
)

// View is what a map shows: the latest position and the route from it.
// Route stays nil until both a position and a destination are known.
type View struct {
	State       State
	Position    *models.PositionSample
	Destination *models.Point
	Route       *Route
	Err         error
}

type Option func(*Tracker)

func WithDestination(p models.Point) Option {
	return func(t *Tracker) { t.destination = &p }
}

func WithPickup(p models.Point) Option {
	return func(t *Tracker) { t.pickup = &p }
}

func WithPlanner(p RoutePlanner) Option {
	return func(t *Tracker) { t.planner = p }
}

// WithMinMove skips route recomputation until the position has moved more
// than metres from where the current route starts.
func WithMinMove(metres float64) Option {
	return func(t *Tracker) { t.minMove = metres }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrDefault(l) }
}

type Tracker struct {
	bookingID   string
	sub         *pubsub.Subscription
	planner     RoutePlanner
	pickup      *models.Point
	destination *models.Point
	minMove     float64
	logger      *slog.Logger
	now         func() time.Time

	updates  chan struct{}
	loopDone chan struct{}
	planning sync.WaitGroup

	mu         sync.Mutex
	state      State
	position   *models.PositionSample
	route      *Route
	routedFrom *models.Point
	err        error
	cancelPlan context.CancelFunc
	generation int
	closed     bool
}

// Track subscribes to the booking's room and starts following it.
func Track(ctx context.Context, ch pubsub.Channel, bookingID string, opts ...Option) (*Tracker, error) {
	if bookingID == "" {
		return nil, errors.New("tracking: booking id is required")
	}
	t := &Tracker{
		bookingID: bookingID,
		planner:   StraightLine{},
		logger:    slog.Default(),
		now:       time.Now,
		updates:   make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		state:     StateAcquiring,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("booking", bookingID)

	sub, err := ch.Subscribe(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("tracking: subscribe: %w", err)
	}
	t.sub = sub
	go t.receive()
	return t, nil
}

func (t *Tracker) receive() {
	defer close(t.loopDone)

	for ev := range t.sub.C {
		if ev.Kind != pubsub.KindLocation {
			continue
		}
		var sample models.PositionSample
		if err := ev.Decode(&sample); err != nil {
			metrics.LocationSamplesTotal.WithLabelValues("malformed").Inc()
			t.logger.Debug("tracking: dropping malformed sample", "error", err)
			continue
		}
		if sample.BookingID != t.bookingID || !sample.Point().Valid() {
			metrics.LocationSamplesTotal.WithLabelValues("ignored").Inc()
			continue
		}
		metrics.LocationSamplesTotal.WithLabelValues("received").Inc()
		sample.ReceivedAt = t.now()
		t.apply(sample)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	cause := t.sub.Err()
	if cause == nil {
		cause = pubsub.ErrClosed
	}
	t.state = StateDegraded
	t.err = fmt.Errorf("%w: %v", pubsub.ErrChannelUnavailable, cause)
	t.notifyLocked()
}

func (t *Tracker) apply(sample models.PositionSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.position = &sample
	if t.state == StateAcquiring {
		t.state = StateTracking
	}
	t.notifyLocked()

	if t.destination == nil {
		return
	}
	here := sample.Point()
	if t.routedFrom != nil && t.minMove > 0 && Haversine(*t.routedFrom, here) <= t.minMove {
		return
	}
	t.replanLocked(here)
}

// replanLocked cancels any route still being computed and starts a new one
// from here.
func (t *Tracker) replanLocked(here models.Point) {
	if t.cancelPlan != nil {
		t.cancelPlan()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelPlan = cancel
	t.generation++
	gen := t.generation
	t.routedFrom = &here

	waypoints := []models.Point{here}
	if t.pickup != nil {
		waypoints = append(waypoints, *t.pickup)
	}
	waypoints = append(waypoints, *t.destination)

	t.planning.Add(1)
	go func() {
		defer t.planning.Done()
		defer cancel()
		route, err := t.planner.Plan(ctx, waypoints)

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed || gen != t.generation {
			return
		}
		t.cancelPlan = nil
		if err != nil {
			// Let the next sample retry even if it is within minMove.
			t.routedFrom = nil
			t.logger.Warn("tracking: route planning failed", "error", err)
			return
		}
		t.route = &route
		t.notifyLocked()
	}()
}

func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{State: t.state, Destination: t.destination, Err: t.err}
	if t.position != nil {
		p := *t.position
		v.Position = &p
	}
	if t.route != nil {
		r := *t.route
		v.Route = &r
	}
	return v
}

// Updates signals view changes. Signals coalesce; the channel is closed by
// Close.
func (t *Tracker) Updates() <-chan struct{} {
	return t.updates
}

// Close stops following the booking. Once it returns the view is frozen.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = StateClosed
	if t.cancelPlan != nil {
		t.cancelPlan()
	}
	t.mu.Unlock()

	t.sub.Cancel()
	<-t.loopDone
	t.planning.Wait()
	close(t.updates)
	return nil
}

func (t *Tracker) notifyLocked() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}
