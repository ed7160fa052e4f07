package session

import (
	"time"

	"github.com/srg/stepble/internal/device"
)

// EventType classifies session events
type EventType int

const (
	// EventStateChanged is emitted on every transition
	EventStateChanged EventType = iota

	// EventReady is emitted once per Ready generation, after the transition
	EventReady

	// EventFailed is emitted once per failure, after the transition
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventReady:
		return "ready"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event describes a session transition or milestone
type Event struct {
	Type       EventType
	From       State
	To         State
	Peripheral device.PeripheralIdentity

	// Ready is set on EventReady
	Ready *Snapshot

	// Err carries the failure reason on EventFailed and the cause of a Disconnected transition
	Err error

	Time time.Time
}

// Listener observes session events. Listeners run on the session goroutine
// and must not block or call back into the session synchronously.
type Listener func(Event)

// Snapshot is what a session publishes when it becomes Ready.
// Handles are valid only while this generation is current.
type Snapshot struct {
	Link       device.Link
	Peripheral device.PeripheralIdentity
	Handles    []device.CharacteristicHandle
	Generation uint64
}

// Handle returns the resolved characteristic with the given UUID
func (r *Snapshot) Handle(uuid string) (device.CharacteristicHandle, bool) {
	if r == nil {
		return nil, false
	}
	for _, h := range r.Handles {
		if device.SameUUID(h.UUID(), uuid) {
			return h, true
		}
	}
	return nil, false
}

// Owns reports whether h was resolved by this Ready generation
func (r *Snapshot) Owns(h device.CharacteristicHandle) bool {
	if r == nil || h == nil {
		return false
	}
	for _, own := range r.Handles {
		if own == h {
			return true
		}
	}
	return false
}
