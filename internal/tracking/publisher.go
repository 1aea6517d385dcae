package tracking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/pubsub"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 5 * time.Second
)

var minInterval = time.Second

// Publisher reports the device position to a booking room at a bounded
// rate.
type Publisher struct {
	BookingID string
	Channel   pubsub.Channel
	Locator   Locator
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Run publishes until ctx is done and then returns ctx.Err(). Locator and
// publish failures are logged and the next tick tries again.
func (p *Publisher) Run(ctx context.Context) error {
	if p.BookingID == "" || p.Channel == nil || p.Locator == nil {
		return errors.New("tracking: publisher needs a booking id, channel and locator")
	}
	logger := logging.OrDefault(p.Logger).With("booking", p.BookingID)

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.publishOnce(ctx, logger)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context, logger *slog.Logger) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	fix, err := p.Locator.Locate(fixCtx, Request{MaxAge: 0, HighAccuracy: true})
	cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.Is(err, ErrGeolocationDenied):
		metrics.LocationSamplesTotal.WithLabelValues("denied").Inc()
		logger.Warn("tracking: location permission denied")
		return
	case errors.Is(err, ErrGeolocationTimeout), errors.Is(err, context.DeadlineExceeded):
		metrics.LocationSamplesTotal.WithLabelValues("timeout").Inc()
		logger.Warn("tracking: location fix timed out")
		return
	default:
		metrics.LocationSamplesTotal.WithLabelValues("locate_failed").Inc()
		logger.Warn("tracking: location fix failed", "error", err)
		return
	}

	if !fix.Point.Valid() {
		metrics.LocationSamplesTotal.WithLabelValues("invalid").Inc()
		logger.Warn("tracking: locator returned invalid coordinates", "lat", fix.Point.Lat, "lng", fix.Point.Lng)
		return
	}

	ev, err := pubsub.NewEvent(pubsub.KindLocation, models.PositionSample{
		BookingID: p.BookingID,
		Lat:       fix.Point.Lat,
		Lng:       fix.Point.Lng,
		Accuracy:  fix.Accuracy,
	})
	if err == nil {
		err = p.Channel.Publish(ctx, p.BookingID, ev)
	}
	if err != nil {
		metrics.LocationSamplesTotal.WithLabelValues("publish_failed").Inc()
		logger.Warn("tracking: publish failed", "error", err)
		return
	}
	metrics.LocationSamplesTotal.WithLabelValues("published").Inc()
	logger.Debug("tracking: published position", "lat", fix.Point.Lat, "lng", fix.Point.Lng)
}
