package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SingleRoute is the key under which frames received on the bare /ws endpoint are stored.
const SingleRoute = "ws"

const imagePrefix = "data:image/"

// DefaultRetain is how many recent messages each route keeps.
const DefaultRetain = 256

// Message is one text frame received from a client.
type Message struct {
	ConnID string
	Route  string
	Kind   string
	Text   string
	At     time.Time
}

type client struct {
	id    string
	route string
	conn  *websocket.Conn
	send  chan []byte
}

// Server receives the streaming client's text frames on /ws/{channel} and /ws.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *chi.Mux

	mu       sync.RWMutex
	messages map[string][]Message
	counts   map[string]int
	retain   int
	clients  map[string]*client
	reject   map[string]bool
	notify   chan Message
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger: logger.With("component", "sink"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		messages: make(map[string][]Message),
		counts:   make(map[string]int),
		retain:   DefaultRetain,
		clients:  make(map[string]*client),
		reject:   make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWs)
	r.Get("/ws/{channel}", s.serveWs)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Notify returns a channel that receives every message as it arrives. Messages are dropped
// when the channel is full.
func (s *Server) Notify(size int) <-chan Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan Message, size)
	}

	return s.notify
}

// Reject makes route answer upgrades with 503 until Accept is called.
func (s *Server) Reject(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[route] = true
}

func (s *Server) Accept(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reject, route)
}

// Retain sets how many recent messages each route keeps. Values below 1 are ignored.
func (s *Server) Retain(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain = n
}

// Messages returns a copy of the most recent frames received on route, oldest first.
func (s *Server) Messages(route string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[route]
	if len(msgs) > s.retain {
		msgs = msgs[len(msgs)-s.retain:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)

	return out
}

// Count returns how many frames route has received, including ones no longer retained.
func (s *Server) Count(route string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counts[route]
}

func (s *Server) Connections(route string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.clients {
		if route == "" || c.route == route {
			n++
		}
	}

	return n
}

// Broadcast queues text for every client connected on route.
func (s *Server) Broadcast(route, text string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.route != route {
			continue
		}
		select {
		case c.send <- []byte(text):
		default:
			s.logger.Warn("broadcast dropped: client queue full", "conn_id", c.id, "route", route)
		}
	}
}

// CloseAll ends every connection with a close frame carrying code and reason.
func (s *Server) CloseAll(code int, reason string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	s.logger.Info("closed all connections", "count", len(clients), "code", code, "reason", reason)
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.CloseAll(websocket.CloseGoingAway, "server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "channel")
	if route == "" {
		route = SingleRoute
	}

	s.mu.RLock()
	rejected := s.reject[route]
	s.mu.RUnlock()
	if rejected {
		s.logger.Info("upgrade rejected", "route", route)
		http.Error(w, "route unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", "route", route, "error", err)
		return
	}

	c := &client{id: uuid.NewString(), route: route, conn: conn, send: make(chan []byte, 16)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client connected", "conn_id", c.id, "route", route, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.writePump(c, done)
	s.readPump(c)
	close(done)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client closed unexpectedly", "conn_id", c.id, "route", c.route, "error", err)
			} else {
				s.logger.Info("client disconnected", "conn_id", c.id, "route", c.route)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.record(Message{ConnID: c.id, Route: c.route, Kind: classify(payload), Text: string(payload), At: time.Now()})
	}
}

func (s *Server) writePump(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("write failed", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}

func (s *Server) record(msg Message) {
	s.mu.Lock()
	msgs := append(s.messages[msg.Route], msg)
	if len(msgs) > 2*s.retain {
		msgs = append([]Message(nil), msgs[len(msgs)-s.retain:]...)
	}
	s.messages[msg.Route] = msgs
	s.counts[msg.Route]++
	notify := s.notify
	s.mu.Unlock()

	s.logger.Debug("message received", "conn_id", msg.ConnID, "route", msg.Route, "kind", msg.Kind, "len", len(msg.Text))
	if notify != nil {
		select {
		case notify <- msg:
		default:
		}
	}
}

// classify returns "image" for data URLs, the JSON "type" field for telemetry, or "text".
func classify(payload []byte) string {
	if strings.HasPrefix(string(payload), imagePrefix) {
		return "image"
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Type != "" {
		return probe.Type
	}

	return "text"
}
