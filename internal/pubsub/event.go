// Package pubsub carries room-scoped events between participants.
//
// A Broker is one connection to some transport (in-process bus, Redis, the
// websocket relay). A Manager shares that connection between any number of
// subscriptions and is the Channel the chat and tracking code talk to.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KindMessage  = "message"
	KindLocation = "location"
)

var (
	ErrChannelUnavailable = errors.New("pubsub: channel unavailable")
	ErrClosed             = errors.New("pubsub: closed")
)

type Event struct {
	Kind   string          `json:"kind"`
	Room   string          `json:"room,omitempty"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals v as the payload of a kind event.
func NewEvent(kind string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("pubsub: encode %s event: %w", kind, err)
	}
	return Event{Kind: kind, Data: data}, nil
}

func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("pubsub: empty %s event", e.Kind)
	}
	return json.Unmarshal(e.Data, v)
}

// Broker is a single connection. Publishes are never echoed back to the
// connection that made them. Events is closed when the connection ends.
type Broker interface {
	ID() string
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	Publish(ctx context.Context, room string, ev Event) error
	Events() <-chan Event
	Close() error
}

type Dialer func(ctx context.Context) (Broker, error)

type Channel interface {
	Subscribe(ctx context.Context, room string) (*Subscription, error)
	Publish(ctx context.Context, room string, ev Event) error
}
