package transport

import (
	"context"
	"fmt"
)

const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Dialer opens a text message connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open duplex text connection.
type Conn interface {
	WriteText(ctx context.Context, text string) error
	ReadText(ctx context.Context) (string, error)
	Close(code int, reason string) error
}

// StatusTargetResolver is implemented by connections that know the address they ended up on.
type StatusTargetResolver interface {
	StatusTarget() string
}

// ClosedError reports that the peer ended the connection with a close frame.
type ClosedError struct {
	Code int
	Text string
}

func (e *ClosedError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("connection closed: code %d", e.Code)
	}

	return fmt.Sprintf("connection closed: code %d: %s", e.Code, e.Text)
}

// Normal reports whether the close was an orderly one.
func (e *ClosedError) Normal() bool {
	return e.Code == CloseNormal
}
