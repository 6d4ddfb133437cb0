package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/skobkin/cellstream/internal/bus"
	"github.com/skobkin/cellstream/internal/connectors"
	"github.com/skobkin/cellstream/internal/transport"
)

const (
	DisconnectCode   = transport.CloseNormal
	DisconnectReason = "User disconnected"
)

type Options struct {
	Dialer       transport.Dialer
	Bus          bus.MessageBus
	Logger       *slog.Logger
	Routes       []Route
	Aggregator   Aggregator
	WriteTimeout time.Duration
	OutboxSize   int
}

// Endpoint is the server a connect request targets.
type Endpoint struct {
	Address string `validate:"required"`
	Port    string `validate:"required"`
}

// URL builds ws://address:port/path.
func (e Endpoint) URL(path string) string {
	return "ws://" + net.JoinHostPort(e.Address, e.Port) + "/" + strings.TrimPrefix(path, "/")
}

type command struct {
	event *Event
	fn    func()
	done  chan struct{}
}

// Manager owns every Channel and the three published signals. All signal mutations run on a
// single loop goroutine, so channel events and control operations are applied in arrival order.
type Manager struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	aggregate Aggregator
	validate  *validator.Validate

	channels []*Channel
	byName   map[Name]*Channel

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	loopDone chan struct{}

	mu      sync.RWMutex
	signals connectors.Signals
	states  map[Name]State

	closed       atomic.Bool
	shutdownOnce sync.Once
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("stream manager requires a dialer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Aggregator == nil {
		opts.Aggregator = LastEvent
	}
	if len(opts.Routes) == 0 {
		opts.Routes = DefaultRoutes()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    opts.Logger,
		bus:       opts.Bus,
		aggregate: opts.Aggregator,
		validate:  validator.New(),
		byName:    make(map[Name]*Channel, len(opts.Routes)),
		ctx:       ctx,
		cancel:    cancel,
		commands:  make(chan command, 64),
		loopDone:  make(chan struct{}),
		states:    make(map[Name]State, len(opts.Routes)),
		signals: connectors.Signals{
			Status:   connectors.StatusDisconnected,
			Channels: make(map[string]connectors.ConnectionState, len(opts.Routes)),
		},
	}

	chOpts := channelOptions{writeTimeout: opts.WriteTimeout, outboxSize: opts.OutboxSize}
	for _, route := range opts.Routes {
		if route.Name == "" || strings.TrimSpace(route.Path) == "" {
			cancel()
			return nil, fmt.Errorf("invalid route %q -> %q", route.Name, route.Path)
		}
		if _, dup := m.byName[route.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate channel %q", route.Name)
		}
		ch := newChannel(route, opts.Dialer, m.emit, m.logger, chOpts)
		m.channels = append(m.channels, ch)
		m.byName[route.Name] = ch
		for _, alias := range route.Aliases {
			if _, dup := m.byName[alias]; dup {
				cancel()
				return nil, fmt.Errorf("duplicate channel %q", alias)
			}
			m.byName[alias] = ch
		}
		m.states[route.Name] = StateDisconnected
		m.signals.Channels[string(route.Name)] = StateDisconnected
	}

	go m.run()

	return m, nil
}

// ConnectAll opens every channel against address:port. It is a no-op while streaming and fails
// with a ValidationError, without dialing, when either value is empty.
func (m *Manager) ConnectAll(address, port string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if m.Streaming() {
		m.logger.Debug("connect skipped: already streaming")

		return nil
	}

	ep := Endpoint{Address: strings.TrimSpace(address), Port: strings.TrimSpace(port)}
	if err := m.validateEndpoint(ep); err != nil {
		m.logger.Warn("connect rejected", "error", err)
		m.ReportError(err)

		return err
	}

	session := uuid.NewString()
	m.do(func() {
		m.mutate(func(s *connectors.Signals) {
			s.Status = connectors.StatusConnecting
			s.SessionID = session
		})
		m.publishStatus(connectors.ConnectionStatus{
			Status:    connectors.StatusConnecting,
			SessionID: session,
			Target:    net.JoinHostPort(ep.Address, ep.Port),
			Timestamp: time.Now(),
		})
	})

	m.logger.Info("connecting all channels", "address", ep.Address, "port", ep.Port, "session", session)
	for _, ch := range m.channels {
		ch.Open(m.ctx, ep.URL(ch.Path()))
	}

	return nil
}

// DisconnectAll closes every channel and then forces the flag off and the status to Disconnected.
func (m *Manager) DisconnectAll() {
	for _, ch := range m.channels {
		ch.Close(DisconnectCode, DisconnectReason)
	}

	m.do(func() {
		m.mutate(func(s *connectors.Signals) {
			for name := range m.states {
				m.states[name] = StateDisconnected
				s.Channels[string(name)] = StateDisconnected
			}
			s.Streaming = false
			s.Status = connectors.StatusDisconnected
		})
		now := time.Now()
		m.publish(connectors.TopicStreaming, connectors.StreamingChanged{Streaming: false, Timestamp: now})
		m.publishStatus(connectors.ConnectionStatus{Status: connectors.StatusDisconnected, Timestamp: now})
	})
	m.logger.Info("disconnected all channels")
}

// SendOn routes payload to the named channel, gated by the aggregate streaming flag.
func (m *Manager) SendOn(name Name, payload string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	ch, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if !m.Streaming() {
		m.logger.Debug("send dropped: not streaming", "channel", string(name))

		return suppressed("not streaming")
	}

	return ch.Send(payload)
}

// ReportError publishes err as the last error. Suppressed sends are ignored.
func (m *Manager) ReportError(err error) {
	if err == nil || IsSuppressed(err) {
		return
	}
	msg := err.Error()
	m.do(func() {
		m.mutate(func(s *connectors.Signals) {
			s.LastError = msg
		})
		m.publish(connectors.TopicLastError, connectors.ErrorReport{Message: msg, Timestamp: time.Now()})
	})
}

func (m *Manager) Streaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.signals.Streaming
}

// Signals returns a consistent copy of the published state.
func (m *Manager) Signals() connectors.Signals {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.signals.Clone()
}

func (m *Manager) ChannelState(name Name) (State, bool) {
	ch, ok := m.byName[name]
	if !ok {
		return "", false
	}

	return ch.State(), true
}

// Shutdown disconnects every channel and stops the manager. The manager is unusable afterwards.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.closed.Store(true)
		m.DisconnectAll()
		m.cancel()
		<-m.loopDone
		for _, ch := range m.channels {
			ch.wait()
		}
		m.logger.Info("stream manager shut down")
	})
}

func (m *Manager) validateEndpoint(ep Endpoint) error {
	err := m.validate.Struct(ep)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: verrs[0].Field(), Message: emptyEndpointMessage}
	}

	return fmt.Errorf("validate endpoint: %w", err)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.commands <- command{event: &ev}:
	case <-m.ctx.Done():
	}
}

// do runs fn on the loop goroutine and waits for it.
func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	select {
	case m.commands <- command{fn: fn, done: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)

	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.commands:
			if cmd.event != nil {
				m.handleEvent(*cmd.event)
			}
			if cmd.fn != nil {
				cmd.fn()
			}
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

func (m *Manager) handleEvent(ev Event) {
	m.publish(connectors.TopicChannel, connectors.ChannelEvent{
		Channel:   string(ev.Channel),
		Kind:      ev.Kind.String(),
		Detail:    ev.Reason,
		Timestamp: ev.At,
	})
	if ev.Kind == EventMessageReceived {
		return
	}

	var status string
	switch ev.Kind {
	case EventOpened:
		m.states[ev.Channel] = StateConnected
		status = connectors.StatusConnected
	default:
		m.states[ev.Channel] = StateDisconnected
		status = connectors.StatusDisconnected
	}

	var prev bool
	m.mutate(func(s *connectors.Signals) {
		prev = s.Streaming
		s.Streaming = m.aggregate(s.Streaming, ev, m.states)
		s.Status = status
		s.Channels[string(ev.Channel)] = m.states[ev.Channel]
		if ev.Kind == EventFailed && ev.Err != nil {
			s.LastError = ev.Err.Error()
		}
	})
	snap := m.Signals()
	if snap.Streaming != prev {
		m.logger.Info("streaming changed", "streaming", snap.Streaming, "channel", string(ev.Channel), "event", ev.Kind.String())
	}

	m.publish(connectors.TopicStreaming, connectors.StreamingChanged{Streaming: snap.Streaming, Timestamp: ev.At})
	m.publishStatus(connectors.ConnectionStatus{
		Status:    status,
		Channel:   string(ev.Channel),
		SessionID: snap.SessionID,
		Timestamp: ev.At,
	})
	if ev.Kind == EventFailed && ev.Err != nil {
		m.publish(connectors.TopicLastError, connectors.ErrorReport{
			Message:   ev.Err.Error(),
			Channel:   string(ev.Channel),
			Timestamp: ev.At,
		})
	}
}

// mutate applies fn to the signals under the write lock and publishes the resulting snapshot.
// Only the loop goroutine calls it.
func (m *Manager) mutate(fn func(s *connectors.Signals)) {
	m.mu.Lock()
	fn(&m.signals)
	m.signals.UpdatedAt = time.Now()
	snap := m.signals.Clone()
	m.mu.Unlock()

	m.publish(connectors.TopicSignals, snap)
}

func (m *Manager) publishStatus(st connectors.ConnectionStatus) {
	m.publish(connectors.TopicConnStatus, st)
}

func (m *Manager) publish(topic string, msg any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, msg)
}
