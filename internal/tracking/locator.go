package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pliu/petbuddy/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrGeolocationDenied  = errors.New("tracking: geolocation permission denied")
	ErrGeolocationTimeout = errors.New("tracking: geolocation timed out")
)

// Request mirrors what a device location API is asked for. MaxAge zero
// means a cached fix is not acceptable.
type Request struct {
	MaxAge       time.Duration
	HighAccuracy bool
}

type Fix struct {
	Point    models.Point
	Accuracy *float64
	At       time.Time
}

type Locator interface {
	Locate(ctx context.Context, req Request) (Fix, error)
}

type LocatorFunc func(ctx context.Context, req Request) (Fix, error)

func (f LocatorFunc) Locate(ctx context.Context, req Request) (Fix, error) {
	return f(ctx, req)
}

// ReplayStep is one entry of a recorded track. Error, when set to "denied"
// or "timeout", makes that step fail instead of returning a fix.
type ReplayStep struct {
	Lat      float64  `yaml:"lat"`
	Lng      float64  `yaml:"lng"`
	Accuracy *float64 `yaml:"accuracy,omitempty"`
	Error    string   `yaml:"error,omitempty"`
}

type replayFile struct {
	Loop  bool         `yaml:"loop"`
	Steps []ReplayStep `yaml:"fixes"`
}

// ReplayLocator plays back a recorded track one step per Locate call. When
// the track runs out it either starts over or keeps reporting the last step.
type ReplayLocator struct {
	mu    sync.Mutex
	steps []ReplayStep
	loop  bool
	next  int
	now   func() time.Time
}

func NewReplayLocator(steps []ReplayStep, loop bool) (*ReplayLocator, error) {
	if len(steps) == 0 {
		return nil, errors.New("tracking: replay track is empty")
	}
	for i, s := range steps {
		switch s.Error {
		case "", "denied", "timeout":
		default:
			return nil, fmt.Errorf("tracking: replay step %d: unknown error %q", i, s.Error)
		}
		if s.Error == "" && !(models.Point{Lat: s.Lat, Lng: s.Lng}).Valid() {
			return nil, fmt.Errorf("tracking: replay step %d: invalid coordinates %v,%v", i, s.Lat, s.Lng)
		}
	}
	return &ReplayLocator{steps: steps, loop: loop, now: time.Now}, nil
}

// LoadReplay reads a YAML track:
//
//	loop: true
//	fixes:
//	  - {lat: 28.6000, lng: 77.2000, accuracy: 8}
//	  - {error: timeout}
func LoadReplay(path string) (*ReplayLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tracking: read track: %w", err)
	}
	var f replayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tracking: parse track %s: %w", path, err)
	}
	return NewReplayLocator(f.Steps, f.Loop)
}

func (r *ReplayLocator) Locate(ctx context.Context, _ Request) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	r.mu.Lock()
	step := r.steps[r.next]
	switch {
	case r.next+1 < len(r.steps):
		r.next++
	case r.loop:
		r.next = 0
	}
	r.mu.Unlock()

	switch step.Error {
	case "denied":
		return Fix{}, ErrGeolocationDenied
	case "timeout":
		return Fix{}, ErrGeolocationTimeout
	}
	return Fix{
		Point:    models.Point{Lat: step.Lat, Lng: step.Lng},
		Accuracy: step.Accuracy,
		At:       r.now(),
	}, nil
}
