package stream

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/cellstream/internal/bus"
	"github.com/skobkin/cellstream/internal/connectors"
	"github.com/skobkin/cellstream/internal/transport"
)

func newTestManager(t *testing.T, d transport.Dialer, opts Options) *Manager {
	t.Helper()
	opts.Dialer = d
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Shutdown)

	return m
}

func allStates(m *Manager, want State) func() bool {
	return func() bool {
		for _, name := range []Name{Primary, Neighbors, Image} {
			if st, _ := m.ChannelState(name); st != want {
				return false
			}
		}
		return true
	}
}

func TestSendBeforeOpenIsDropped(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	for _, name := range []Name{Primary, Neighbors, Image} {
		err := m.SendOn(name, "payload")
		if !IsSuppressed(err) {
			t.Fatalf("expected suppressed send on %s, got %v", name, err)
		}
	}
	if len(d.Dials()) != 0 {
		t.Fatalf("expected no dials, got %v", d.Dials())
	}
	if got := m.Signals().LastError; got != "" {
		t.Fatalf("suppressed sends must not surface as errors, got %q", got)
	}
}

func TestConnectAllRejectsEmptyEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		address string
		port    string
	}{
		{name: "empty address", address: "", port: "8080"},
		{name: "empty port", address: "10.0.0.5", port: ""},
		{name: "blank address", address: "   ", port: "8080"},
	}

	for _, tc := range tests {
		d := newFakeDialer()
		m := newTestManager(t, d, Options{})

		err := m.ConnectAll(tc.address, tc.port)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if verr.Error() != "Server address or port cannot be empty" {
			t.Fatalf("%s: unexpected message %q", tc.name, verr.Error())
		}
		if got := m.Signals().LastError; got != verr.Error() {
			t.Fatalf("%s: expected last error %q, got %q", tc.name, verr.Error(), got)
		}
		if len(d.Dials()) != 0 {
			t.Fatalf("%s: expected no dials, got %v", tc.name, d.Dials())
		}
	}
}

func TestConnectAllBuildsOneURLPerChannel(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll(" 10.0.0.5 ", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	want := map[string]bool{
		"ws://10.0.0.5:8080/ws/primary":   true,
		"ws://10.0.0.5:8080/ws/neighbors": true,
		"ws://10.0.0.5:8080/ws/image":     true,
	}
	dials := d.Dials()
	if len(dials) != len(want) {
		t.Fatalf("expected %d dials, got %v", len(want), dials)
	}
	for _, u := range dials {
		if !want[u] {
			t.Fatalf("unexpected dial url %q", u)
		}
	}

	sig := m.Signals()
	if !sig.Streaming || sig.Status != connectors.StatusConnected || sig.SessionID == "" {
		t.Fatalf("unexpected signals after connect: %+v", sig)
	}
}

func TestConnectAllIsNoopWhileStreaming(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))
	session := m.Signals().SessionID

	if err := m.ConnectAll("10.0.0.6", "9090"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := len(d.Dials()); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
	if got := m.Signals().SessionID; got != session {
		t.Fatalf("expected session %q to survive, got %q", session, got)
	}
}

func TestSingleChannelFailureClearsStreamingFlag(t *testing.T) {
	d := newFakeDialer()
	release := d.Hold("ws/image")
	d.Fail("ws/image", errors.New("connection refused"))
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "primary and neighbors connected", func() bool {
		p, _ := m.ChannelState(Primary)
		n, _ := m.ChannelState(Neighbors)
		return p == StateConnected && n == StateConnected && m.Streaming()
	})

	close(release)
	waitFor(t, "image failure applied", func() bool {
		return strings.Contains(m.Signals().LastError, "ws/image")
	})

	if m.Streaming() {
		t.Fatalf("expected streaming flag false after image failure")
	}
	if st, _ := m.ChannelState(Primary); st != StateConnected {
		t.Fatalf("expected primary to stay connected, got %s", st)
	}

	err := m.SendOn(Primary, `{"type":"primary_cell"}`)
	if !IsSuppressed(err) {
		t.Fatalf("expected send on primary to be suppressed, got %v", err)
	}
	if sent := d.Conn("ws/primary").Sent(); len(sent) != 0 {
		t.Fatalf("expected no frames on primary, got %v", sent)
	}

	sig := m.Signals()
	if sig.LastError != "Connection failed on ws/image: connection refused" {
		t.Fatalf("unexpected last error %q", sig.LastError)
	}
	if sig.Status != connectors.StatusDisconnected {
		t.Fatalf("expected status Disconnected, got %q", sig.Status)
	}
}

func TestAnyConnectedAggregationKeepsStreaming(t *testing.T) {
	d := newFakeDialer()
	d.Fail("ws/image", errors.New("connection refused"))
	m := newTestManager(t, d, Options{Aggregator: AnyConnected})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "image failure and two live channels", func() bool {
		sig := m.Signals()
		return sig.LastError != "" &&
			sig.Channels["primary"] == StateConnected &&
			sig.Channels["neighbors"] == StateConnected
	})

	if !m.Streaming() {
		t.Fatalf("expected streaming with two live channels")
	}
	if err := m.SendOn(Primary, "x"); err != nil {
		t.Fatalf("expected send to pass the gate, got %v", err)
	}
	waitFor(t, "frame written", func() bool { return len(d.Conn("ws/primary").Sent()) == 1 })
}

func TestRemoteFailureDisconnectsChannel(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	d.Conn("ws/neighbors").fail <- errors.New("connection reset by peer")
	waitFor(t, "neighbors disconnected", func() bool {
		st, _ := m.ChannelState(Neighbors)
		return st == StateDisconnected && !m.Streaming()
	})

	if got := m.Signals().LastError; got != "Connection failed on ws/neighbors: connection reset by peer" {
		t.Fatalf("unexpected last error %q", got)
	}
	if err := m.SendOn(Neighbors, "x"); !IsSuppressed(err) {
		t.Fatalf("expected suppressed send, got %v", err)
	}
}

func TestSendDoesNotWaitForLostConnectionClose(t *testing.T) {
	d := newFakeDialer()
	d.closeDelay = time.Second
	m := newTestManager(t, d, Options{Aggregator: AnyConnected})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	conn := d.Conn("ws/primary")
	conn.fail <- errors.New("connection reset by peer")
	select {
	case <-conn.closing:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected lost connection to be closed")
	}

	start := time.Now()
	err := m.SendOn(Primary, "x")
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected send to return at once, took %s", elapsed)
	}
	if !IsSuppressed(err) {
		t.Fatalf("expected suppressed send on the lost channel, got %v", err)
	}
	if err := m.SendOn(Neighbors, "y"); err != nil {
		t.Fatalf("expected send on a live channel, got %v", err)
	}
}

func TestRemoteNormalCloseIsNotAnError(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	d.Conn("ws/image").fail <- &transport.ClosedError{Code: transport.CloseNormal, Text: "bye"}
	waitFor(t, "image closed", func() bool {
		st, _ := m.ChannelState(Image)
		return st == StateDisconnected
	})

	if m.Streaming() {
		t.Fatalf("expected streaming flag false after close")
	}
	if got := m.Signals().LastError; got != "" {
		t.Fatalf("expected no error for a normal close, got %q", got)
	}
}

func TestDisconnectAllFromAnyState(t *testing.T) {
	tests := []struct {
		name    string
		connect []string
	}{
		{name: "none connected"},
		{name: "one connected", connect: []string{"ws/primary"}},
		{name: "all connected", connect: []string{"ws/primary", "ws/neighbors", "ws/image"}},
	}

	for _, tc := range tests {
		d := newFakeDialer()
		live := map[string]bool{}
		for _, p := range tc.connect {
			live[p] = true
		}
		for _, p := range []string{"ws/primary", "ws/neighbors", "ws/image"} {
			if !live[p] {
				d.Hold(p)
			}
		}
		m := newTestManager(t, d, Options{})

		if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
			t.Fatalf("%s: connect: %v", tc.name, err)
		}
		waitFor(t, tc.name+" connected", func() bool {
			for p := range live {
				if c := d.Conn(p); c == nil {
					return false
				}
			}
			return len(live) == 0 || m.Streaming()
		})

		m.DisconnectAll()

		if !allStates(m, StateDisconnected)() {
			t.Fatalf("%s: expected every channel disconnected", tc.name)
		}
		sig := m.Signals()
		if sig.Streaming || sig.Status != connectors.StatusDisconnected {
			t.Fatalf("%s: unexpected signals %+v", tc.name, sig)
		}
		for name, st := range sig.Channels {
			if st != StateDisconnected {
				t.Fatalf("%s: expected %s disconnected in snapshot, got %s", tc.name, name, st)
			}
		}
		for p := range live {
			code, reason, closed := d.Conn(p).Closed()
			if !closed || code != DisconnectCode || reason != DisconnectReason {
				t.Fatalf("%s: expected %s closed with %d/%q, got %v %d/%q", tc.name, p, DisconnectCode, DisconnectReason, closed, code, reason)
			}
		}
	}
}

func TestDisconnectAllCancelsPendingDial(t *testing.T) {
	d := newFakeDialer()
	d.Hold("ws/primary")
	d.Hold("ws/neighbors")
	d.Hold("ws/image")
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "dials started", func() bool { return len(d.Dials()) == 3 })

	m.DisconnectAll()
	m.Shutdown()

	if d.Conn("ws/primary") != nil {
		t.Fatalf("expected pending dial to be cancelled")
	}
	if got := m.Signals().LastError; got != "" {
		t.Fatalf("expected cancelled dials not to surface an error, got %q", got)
	}
}

func TestReconnectAfterFailureRequiresExplicitConnect(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, Options{})

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	d.Conn("ws/image").fail <- errors.New("broken pipe")
	waitFor(t, "image disconnected", func() bool {
		st, _ := m.ChannelState(Image)
		return st == StateDisconnected
	})
	time.Sleep(20 * time.Millisecond)
	if got := len(d.Dials()); got != 3 {
		t.Fatalf("expected no automatic reconnect, got %d dials", got)
	}

	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "image reconnected", func() bool {
		st, _ := m.ChannelState(Image)
		return st == StateConnected && m.Streaming()
	})
	if got := len(d.Dials()); got != 4 {
		t.Fatalf("expected only the image channel to redial, got %d dials", got)
	}
}

func TestSendOnUnknownChannel(t *testing.T) {
	m := newTestManager(t, newFakeDialer(), Options{})
	if err := m.SendOn("video", "x"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestShutdownIsTerminalAndIdempotent(t *testing.T) {
	d := newFakeDialer()
	m, err := NewManager(Options{Dialer: d})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all channels connected", allStates(m, StateConnected))

	m.Shutdown()
	m.Shutdown()

	if !allStates(m, StateDisconnected)() {
		t.Fatalf("expected every channel disconnected after shutdown")
	}
	if err := m.ConnectAll("10.0.0.5", "8080"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown from connect, got %v", err)
	}
	if err := m.SendOn(Primary, "x"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown from send, got %v", err)
	}
	m.ReportError(errors.New("late"))
}

func TestSignalsArePublishedOnBus(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	sub := b.Subscribe(connectors.TopicSignals)

	d := newFakeDialer()
	m := newTestManager(t, d, Options{Bus: b})
	if err := m.ConnectAll("10.0.0.5", "8080"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-sub:
			snap, ok := msg.(connectors.Signals)
			if !ok {
				t.Fatalf("expected Signals payload, got %T", msg)
			}
			if snap.Streaming && snap.Status == connectors.StatusConnected {
				return
			}
		case <-deadline:
			t.Fatalf("no streaming snapshot published")
		}
	}
}

func TestReportErrorRepublishesSameText(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	sub := b.Subscribe(connectors.TopicLastError)

	m := newTestManager(t, newFakeDialer(), Options{Bus: b})
	m.ReportError(errors.New("Frame error: bad planes"))
	m.ReportError(errors.New("Frame error: bad planes"))
	m.ReportError(suppressed("not streaming"))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub:
			report := msg.(connectors.ErrorReport)
			if report.Message != "Frame error: bad planes" {
				t.Fatalf("unexpected report %q", report.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected announcement %d", i+1)
		}
	}
	select {
	case msg := <-sub:
		t.Fatalf("suppressed send must not be published, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewManagerRejectsDuplicateRoutes(t *testing.T) {
	_, err := NewManager(Options{
		Dialer: newFakeDialer(),
		Routes: []Route{{Name: Primary, Path: "ws/a"}, {Name: Primary, Path: "ws/b"}},
	})
	if err == nil {
		t.Fatalf("expected duplicate route error")
	}
}
