// Package relay is the client side of the websocket relay. A Conn is a
// pubsub.Broker, so a pubsub.Manager can share it between chat sessions and
// trackers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/pubsub"
	"github.com/pliu/petbuddy/internal/ws"
)

const (
	writeWait = 10 * time.Second
	queue     = 256
)

var ErrRejected = errors.New("relay: rejected by server")

type Conn struct {
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	events chan pubsub.Event
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	closeOnce sync.Once
}

var _ pubsub.Broker = (*Conn)(nil)

// URL turns a server base address such as http://host:5000 into the relay
// endpoint ws://host:5000/ws.
func URL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("relay: parse %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func Dial(ctx context.Context, server, token string, logger *slog.Logger) (*Conn, error) {
	endpoint, err := URL(server)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: dial %s: %w", endpoint, err)
	}

	c := &Conn{
		ws:      wsConn,
		id:      uuid.NewString(),
		logger:  logging.OrDefault(logger),
		events:  make(chan pubsub.Event, queue),
		done:    make(chan struct{}),
		waiters: make(map[string][]chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func Dialer(server, token string, logger *slog.Logger) pubsub.Dialer {
	return func(ctx context.Context) (pubsub.Broker, error) {
		return Dial(ctx, server, token, logger)
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Events() <-chan pubsub.Event { return c.events }

// Join returns once the server has acknowledged membership.
func (c *Conn) Join(ctx context.Context, room string) error {
	return c.roundTrip(ctx, ws.Frame{Type: ws.FrameJoin, Room: room}, ws.FrameJoined)
}

func (c *Conn) Leave(ctx context.Context, room string) error {
	return c.roundTrip(ctx, ws.Frame{Type: ws.FrameLeave, Room: room}, ws.FrameLeft)
}

func (c *Conn) Publish(ctx context.Context, room string, ev pubsub.Event) error {
	ev.Room = ""
	ev.Origin = ""
	return c.write(ctx, ws.Frame{Type: ws.FramePublish, Room: room, Event: &ev})
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) roundTrip(ctx context.Context, f ws.Frame, ack string) error {
	if f.Room == "" {
		return fmt.Errorf("%w: empty room", ErrRejected)
	}
	key := ack + "\x00" + f.Room
	wait := make(chan struct{})
	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], wait)
	c.mu.Unlock()

	if err := c.write(ctx, f); err != nil {
		c.forget(key, wait)
		return err
	}
	select {
	case <-wait:
		return nil
	case <-c.done:
		return pubsub.ErrClosed
	case <-ctx.Done():
		c.forget(key, wait)
		return ctx.Err()
	}
}

func (c *Conn) forget(key string, wait chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	for i, w := range list {
		if w == wait {
			c.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

func (c *Conn) resolve(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	if len(list) == 0 {
		return
	}
	close(list[0])
	if len(list) == 1 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list[1:]
	}
}

func (c *Conn) write(ctx context.Context, f ws.Frame) error {
	select {
	case <-c.done:
		return pubsub.ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("relay: write %s: %w", f.Type, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.Close()

	for {
		var f ws.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("relay: connection lost", "conn", c.id, "error", err)
			}
			return
		}

		switch f.Type {
		case ws.FrameEvent:
			if f.Event == nil {
				continue
			}
			ev := *f.Event
			ev.Room = f.Room
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case ws.FrameJoined, ws.FrameLeft:
			c.resolve(f.Type + "\x00" + f.Room)
		case ws.FrameError:
			c.logger.Warn("relay: server error", "conn", c.id, "error", f.Error)
		}
	}
}
