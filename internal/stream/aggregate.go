package stream

import (
	"fmt"
	"strings"
)

// Aggregator derives the streaming flag from the latest event and the per-channel states.
// states already reflects ev.
type Aggregator func(current bool, ev Event, states map[Name]State) bool

const (
	AggregationLastEvent    = "last_event"
	AggregationAnyConnected = "any_connected"
	AggregationAllConnected = "all_connected"
)

// LastEvent flips the flag on every transition: any open sets it, any failure or close clears it,
// even while other channels remain connected.
func LastEvent(current bool, ev Event, _ map[Name]State) bool {
	switch ev.Kind {
	case EventOpened:
		return true
	case EventFailed, EventClosed:
		return false
	default:
		return current
	}
}

func AnyConnected(_ bool, _ Event, states map[Name]State) bool {
	for _, st := range states {
		if st == StateConnected {
			return true
		}
	}

	return false
}

func AllConnected(_ bool, _ Event, states map[Name]State) bool {
	if len(states) == 0 {
		return false
	}
	for _, st := range states {
		if st != StateConnected {
			return false
		}
	}

	return true
}

func ParseAggregator(name string) (Aggregator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AggregationLastEvent:
		return LastEvent, nil
	case AggregationAnyConnected:
		return AnyConnected, nil
	case AggregationAllConnected:
		return AllConnected, nil
	default:
		return nil, fmt.Errorf("unknown aggregation %q", name)
	}
}
