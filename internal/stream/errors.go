package stream

import (
	"errors"
	"fmt"
)

const emptyEndpointMessage = "Server address or port cannot be empty"

var (
	// ErrSendSuppressed marks a payload dropped by the streaming gate or a disconnected channel.
	// It is never published to observers.
	ErrSendSuppressed = errors.New("send suppressed")
	ErrShutdown       = errors.New("stream manager is shut down")
	ErrUnknownChannel = errors.New("unknown channel")
)

// ValidationError rejects a connect request before any connection is attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConnectionError is a transport failure on one channel.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("Connection failed on %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func suppressed(reason string) error {
	return fmt.Errorf("%w: %s", ErrSendSuppressed, reason)
}

// IsSuppressed reports whether err is a silent drop rather than a failure.
func IsSuppressed(err error) bool {
	return errors.Is(err, ErrSendSuppressed)
}
