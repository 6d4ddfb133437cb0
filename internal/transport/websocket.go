package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultControlTimeout   = time.Second
)

// WebSocketDialer dials ws:// URLs with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	return &WebSocketDialer{HandshakeTimeout: handshakeTimeout, Header: http.Header{}}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	logger := connLogger(url)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = defaultHandshakeTimeout
	}

	logger.Info("connecting")
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			logger.Warn("connect failed", "http_status", resp.StatusCode, "error", err)

			return nil, fmt.Errorf("dial websocket: %w (http %d)", err, resp.StatusCode)
		}
		logger.Warn("connect failed", "error", err)

		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return &webSocketConn{conn: conn, target: url}, nil
}

type webSocketConn struct {
	conn   *websocket.Conn
	target string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *webSocketConn) StatusTarget() string {
	return c.target
}

func (c *webSocketConn) WriteText(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		connLogger(c.target).Debug("write failed", "len", len(text), "error", err)

		return fmt.Errorf("write message: %w", mapCloseError(err))
	}

	return nil
}

func (c *webSocketConn) ReadText(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return "", mapCloseError(err)
		}
		if kind == websocket.TextMessage {
			return string(payload), nil
		}
		connLogger(c.target).Debug("non-text message ignored", "kind", kind, "len", len(payload))
	}
}

// Close sends a close frame with code and reason, then drops the socket. Repeated calls return the first result.
func (c *webSocketConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		logger := connLogger(c.target)
		msg := websocket.FormatCloseMessage(code, reason)
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultControlTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Debug("close frame not sent", "error", err)
		}
		c.closeErr = c.conn.Close()
		logger.Info("closed", "code", code, "reason", reason)
	})

	return c.closeErr
}

func mapCloseError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &ClosedError{Code: ce.Code, Text: ce.Text}
	}

	return err
}
