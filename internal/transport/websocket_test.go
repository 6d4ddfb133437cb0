package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T, onClose func(code int, text string)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && onClose != nil {
					onClose(ce.Code, ce.Text)
				}
				return
			}
			if string(payload) == "bye" {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server leaving"), time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(kind, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer(0).Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(CloseNormal, "")

	if err := conn.WriteText(ctx, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := conn.ReadText(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected echo %q, got %q", "hello", got)
	}
}

func TestWebSocketCloseSendsCodeAndReason(t *testing.T) {
	type closeInfo struct {
		code int
		text string
	}
	closed := make(chan closeInfo, 1)
	srv := echoServer(t, func(code int, text string) {
		closed <- closeInfo{code: code, text: text}
	})
	defer srv.Close()

	conn, err := NewWebSocketDialer(time.Second).Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(CloseNormal, "User disconnected"); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = conn.Close(CloseNormal, "again")

	select {
	case info := <-closed:
		if info.code != CloseNormal || info.text != "User disconnected" {
			t.Fatalf("expected 1000/User disconnected, got %d/%s", info.code, info.text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not observe close frame")
	}
}

func TestWebSocketReadReportsPeerClose(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := NewWebSocketDialer(0).Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(CloseNormal, "")

	if err := conn.WriteText(ctx, "bye"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = conn.ReadText(ctx)
	var ce *ClosedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClosedError, got %v", err)
	}
	if ce.Code != websocket.CloseGoingAway || ce.Normal() {
		t.Fatalf("expected going-away close, got %+v", ce)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebSocketDialer(time.Second).Dial(context.Background(), wsURL(srv))
	if err == nil {
		t.Fatalf("expected dial to fail against a plain http handler")
	}
	if !strings.Contains(err.Error(), "http 404") {
		t.Fatalf("expected http status in error, got %v", err)
	}
}
