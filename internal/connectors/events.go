package connectors

import "time"

const (
	StatusConnecting   = "Connecting"
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
)

// ConnectionState is the lifecycle state of one channel.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateClosing      ConnectionState = "closing"
)

// StreamingChanged announces the aggregate streaming flag.
type StreamingChanged struct {
	Streaming bool
	Timestamp time.Time
}

// ConnectionStatus is the human-readable status, last writer wins across channels.
type ConnectionStatus struct {
	Status    string
	Channel   string
	SessionID string
	Target    string
	Timestamp time.Time
}

// ErrorReport re-announces the last error. Repeats of the same text are new announcements.
type ErrorReport struct {
	Message   string
	Channel   string
	Timestamp time.Time
}

// Signals is a consistent snapshot of all three published signals.
type Signals struct {
	Streaming bool
	Status    string
	LastError string
	SessionID string
	Channels  map[string]ConnectionState
	UpdatedAt time.Time
}

// Clone returns a copy that does not share the channel map.
func (s Signals) Clone() Signals {
	out := s
	if s.Channels != nil {
		out.Channels = make(map[string]ConnectionState, len(s.Channels))
		for k, v := range s.Channels {
			out.Channels[k] = v
		}
	}

	return out
}

// ChannelEvent mirrors a channel lifecycle event for diagnostics.
type ChannelEvent struct {
	Channel   string
	Kind      string
	Detail    string
	Timestamp time.Time
}
