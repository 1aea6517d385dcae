package ws

import "github.com/pliu/petbuddy/internal/pubsub"

// Frame types. Clients send join, leave and publish; the server answers
// with joined, left, event and error.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FramePublish = "publish"
	FrameJoined  = "joined"
	FrameLeft    = "left"
	FrameEvent   = "event"
	FrameError   = "error"
)

type Frame struct {
	Type  string        `json:"type"`
	Room  string        `json:"room,omitempty"`
	Event *pubsub.Event `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}
