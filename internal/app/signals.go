package app

import (
	"github.com/skobkin/cellstream/internal/bus"
	"github.com/skobkin/cellstream/internal/connectors"
)

// applySignal folds one bus message into the snapshot. Full snapshots replace it; the single
// signal payloads patch their field so observers that only see those still stay current.
func applySignal(cur connectors.Signals, raw any) (connectors.Signals, bool) {
	switch msg := raw.(type) {
	case connectors.Signals:
		return msg.Clone(), true
	case connectors.StreamingChanged:
		cur.Streaming = msg.Streaming
		cur.UpdatedAt = msg.Timestamp
	case connectors.ConnectionStatus:
		cur.Status = msg.Status
		if msg.SessionID != "" {
			cur.SessionID = msg.SessionID
		}
		cur.UpdatedAt = msg.Timestamp
	case connectors.ErrorReport:
		cur.LastError = msg.Message
		cur.UpdatedAt = msg.Timestamp
	default:
		return cur, false
	}

	return cur, true
}

// captureSignals runs until the bus closes the subscription.
func (r *Runtime) captureSignals(sub bus.Subscription) {
	defer close(r.captureDone)
	for raw := range sub {
		r.signalsMu.Lock()
		if next, changed := applySignal(r.signals, raw); changed {
			r.signals = next
			r.signalsKnown = true
		}
		r.signalsMu.Unlock()
	}
}

// CurrentSignals returns the last snapshot seen on the bus and whether any has arrived yet.
func (r *Runtime) CurrentSignals() (connectors.Signals, bool) {
	r.signalsMu.RLock()
	defer r.signalsMu.RUnlock()

	return r.signals.Clone(), r.signalsKnown
}
