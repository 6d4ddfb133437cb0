package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/cellstream/internal/transport"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultOutboxSize   = 16
	previewLen          = 50
)

type channelOptions struct {
	writeTimeout time.Duration
	outboxSize   int
}

// Channel owns at most one live connection for one route. Every transition is reported through
// emit while the channel lock is held, so events from one channel are delivered in order.
type Channel struct {
	name   Name
	path   string
	dialer transport.Dialer
	emit   func(Event)
	logger *slog.Logger
	opts   channelOptions

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	outbox     chan string
	done       chan struct{}
	cancelDial context.CancelFunc
	gen        uint64

	wg sync.WaitGroup
}

func newChannel(route Route, dialer transport.Dialer, emit func(Event), logger *slog.Logger, opts channelOptions) *Channel {
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.outboxSize <= 0 {
		opts.outboxSize = defaultOutboxSize
	}

	return &Channel{
		name:   route.Name,
		path:   route.Path,
		dialer: dialer,
		emit:   emit,
		logger: logger.With("channel", string(route.Name), "path", route.Path),
		opts:   opts,
		state:  StateDisconnected,
	}
}

func (c *Channel) Name() Name {
	return c.name
}

func (c *Channel) Path() string {
	return c.path
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Open starts an asynchronous connection attempt. It returns false when the channel is not
// Disconnected.
func (c *Channel) Open(ctx context.Context, url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		c.logger.Debug("open skipped", "state", c.state)

		return false
	}

	c.state = StateConnecting
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.logger.Info("connecting", "url", url)

	c.wg.Add(1)
	go c.dial(dialCtx, cancel, gen, url)

	return true
}

func (c *Channel) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string) {
	defer c.wg.Done()
	defer cancel()

	conn, err := c.dialer.Dial(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateConnecting {
		if conn != nil {
			_ = conn.Close(transport.CloseNormal, "superseded")
		}
		c.logger.Debug("stale dial result dropped")

		return
	}
	c.cancelDial = nil

	if err != nil {
		c.state = StateDisconnected
		c.gen++
		c.logger.Warn("connect failed", "error", err)
		c.emit(c.event(EventFailed, &ConnectionError{Path: c.path, Err: err}))

		return
	}

	outbox := make(chan string, c.opts.outboxSize)
	done := make(chan struct{})
	c.state = StateConnected
	c.conn = conn
	c.outbox = outbox
	c.done = done
	target := url
	if r, ok := conn.(transport.StatusTargetResolver); ok {
		target = r.StatusTarget()
	}
	c.logger.Info("connected", "target", target)
	c.emit(c.event(EventOpened, nil))

	c.wg.Add(2)
	go c.readLoop(gen, conn)
	go c.writeLoop(gen, conn, outbox, done)
}

// Send queues payload for the writer. It never blocks; when the channel is not connected or the
// queue is full the payload is dropped with ErrSendSuppressed.
func (c *Channel) Send(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		c.logger.Debug("send dropped: channel not connected", "state", c.state)

		return suppressed("channel not connected")
	}

	select {
	case c.outbox <- payload:
		c.logger.Debug("send queued", "len", len(payload), "preview", preview(payload))

		return nil
	default:
		c.logger.Debug("send dropped: outbound queue full", "len", len(payload))

		return suppressed("outbound queue full")
	}
}

// Close moves Connecting or Connected through Closing to Disconnected and reports Closed once.
// It returns false when there was nothing to close.
func (c *Channel) Close(code int, reason string) bool {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()

		return false
	}

	c.state = StateClosing
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn, done := c.conn, c.done
	c.conn, c.outbox, c.done = nil, nil, nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		if err := conn.Close(code, reason); err != nil {
			c.logger.Debug("close connection failed", "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.logger.Info("closed", "code", code, "reason", reason)
	ev := c.event(EventClosed, nil)
	ev.Reason = reason
	c.emit(ev)

	return true
}

func (c *Channel) wait() {
	c.wg.Wait()
}

func (c *Channel) readLoop(gen uint64, conn transport.Conn) {
	defer c.wg.Done()

	for {
		text, err := conn.ReadText(context.Background())
		if err != nil {
			c.connectionLost(gen, err)

			return
		}
		c.logger.Debug("message received", "len", len(text), "preview", preview(text))

		c.mu.Lock()
		if gen == c.gen && c.state == StateConnected {
			ev := c.event(EventMessageReceived, nil)
			ev.Text = text
			c.emit(ev)
		}
		c.mu.Unlock()
	}
}

func (c *Channel) writeLoop(gen uint64, conn transport.Conn, outbox <-chan string, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case payload := <-outbox:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.writeTimeout)
			err := conn.WriteText(ctx, payload)
			cancel()
			if err != nil {
				c.connectionLost(gen, err)

				return
			}
			c.logger.Debug("sent", "len", len(payload))
		}
	}
}

// connectionLost handles a remote close or transport failure of the connection from generation gen.
// The connection is detached under the lock and closed after it is released.
func (c *Channel) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()

		return
	}

	conn := c.conn
	close(c.done)
	c.conn, c.outbox, c.done = nil, nil, nil
	c.state = StateDisconnected
	c.gen++

	var closed *transport.ClosedError
	if errors.As(err, &closed) && closed.Normal() {
		c.logger.Info("closed by peer", "code", closed.Code, "reason", closed.Text)
		ev := c.event(EventClosed, nil)
		ev.Reason = closed.Text
		c.emit(ev)
	} else {
		c.logger.Warn("connection lost", "error", err)
		c.emit(c.event(EventFailed, &ConnectionError{Path: c.path, Err: err}))
	}
	c.mu.Unlock()

	if cerr := conn.Close(transport.CloseNormal, ""); cerr != nil {
		c.logger.Debug("close lost connection failed", "error", cerr)
	}
}

func (c *Channel) event(kind EventKind, err error) Event {
	ev := Event{
		Kind:    kind,
		Channel: c.name,
		Path:    c.path,
		Err:     err,
		At:      time.Now(),
	}
	if err != nil {
		ev.Reason = err.Error()
	}

	return ev
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}

	return s[:previewLen]
}
