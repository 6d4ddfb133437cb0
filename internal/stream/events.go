package stream

import (
	"time"

	"github.com/skobkin/cellstream/internal/connectors"
)

// Name identifies a logical channel.
type Name string

const (
	Primary   Name = "primary"
	Neighbors Name = "neighbors"
	Image     Name = "image"
)

type State = connectors.ConnectionState

const (
	StateDisconnected = connectors.ConnectionStateDisconnected
	StateConnecting   = connectors.ConnectionStateConnecting
	StateConnected    = connectors.ConnectionStateConnected
	StateClosing      = connectors.ConnectionStateClosing
)

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventFailed
	EventClosed
	EventMessageReceived
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	case EventMessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Event is emitted by a Channel on every state transition and on every received text frame.
type Event struct {
	Kind    EventKind
	Channel Name
	Path    string
	Err     error
	Reason  string
	Text    string
	At      time.Time
}

// Route binds a channel to its server-side path. Aliases are extra names routed to the same channel.
type Route struct {
	Name    Name
	Path    string
	Aliases []Name
}

func DefaultRoutes() []Route {
	return []Route{
		{Name: Primary, Path: "ws/primary"},
		{Name: Neighbors, Path: "ws/neighbors"},
		{Name: Image, Path: "ws/image"},
	}
}

// SingleRoute multiplexes every payload kind over one connection to /ws.
func SingleRoute() []Route {
	return []Route{
		{Name: "stream", Path: "ws", Aliases: []Name{Primary, Neighbors, Image}},
	}
}
