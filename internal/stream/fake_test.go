package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/cellstream/internal/transport"
)

type fakeConn struct {
	path  string
	reads chan string
	fail  chan error
	done  chan struct{}

	closing    chan struct{}
	closeDelay time.Duration

	mu          sync.Mutex
	sent        []string
	closeCode   int
	closeReason string
	closeOnce   sync.Once
}

func newFakeConn(path string) *fakeConn {
	return &fakeConn{
		path:  path,
		reads: make(chan string, 8),
		fail:  make(chan error, 1),
		done:  make(chan struct{}),

		closing: make(chan struct{}),
	}
}

func (c *fakeConn) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.sent = append(c.sent, text)

	return nil
}

func (c *fakeConn) ReadText(_ context.Context) (string, error) {
	select {
	case text := <-c.reads:
		return text, nil
	case err := <-c.fail:
		return "", err
	case <-c.done:
		return "", errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.closing)
		time.Sleep(c.closeDelay)
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})

	return nil
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)

	return out
}

func (c *fakeConn) Closed() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return c.closeCode, c.closeReason, true
	default:
		return 0, "", false
	}
}

// fakeDialer keys behavior by the URL path without the leading slash.
type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	conns map[string]*fakeConn
	fail  map[string]error
	hold  map[string]chan struct{}

	closeDelay time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns: make(map[string]*fakeConn),
		fail:  make(map[string]error),
		hold:  make(map[string]chan struct{}),
	}
}

func (d *fakeDialer) Hold(path string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.hold[path] = ch

	return ch
}

func (d *fakeDialer) Fail(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[path] = err
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	path := url
	if i := strings.Index(strings.TrimPrefix(url, "ws://"), "/"); i >= 0 {
		path = strings.TrimPrefix(url, "ws://")[i+1:]
	}

	d.mu.Lock()
	d.dials = append(d.dials, url)
	hold := d.hold[path]
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[path]; err != nil {
		return nil, err
	}
	conn := newFakeConn(path)
	conn.closeDelay = d.closeDelay
	d.conns[path] = conn

	return conn, nil
}

func (d *fakeDialer) Conn(path string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[path]
}

func (d *fakeDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)

	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
