package session

import "fmt"

// State is the connection lifecycle state of a session
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	Ready
	Disconnected
	Failed
)

var stateNames = [...]string{
	Idle:                       "idle",
	Scanning:                   "scanning",
	Connecting:                 "connecting",
	DiscoveringServices:        "discovering-services",
	DiscoveringCharacteristics: "discovering-characteristics",
	Ready:                      "ready",
	Disconnected:               "disconnected",
	Failed:                     "failed",
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Valid reports whether s is a declared state
func (s State) Valid() bool {
	return s >= Idle && s <= Failed
}

// CanConnect reports whether connect is accepted from s
func (s State) CanConnect() bool {
	return s == Idle || s == Disconnected || s == Failed
}

// Active reports whether s is part of a connection attempt or an open link
func (s State) Active() bool {
	return s >= Scanning && s <= Ready
}

// transitions is the complete transition table. Any state may also move to
// Failed on an unrecoverable stack error, and any non-Idle state may move to
// Disconnected on an explicit disconnect; both are folded in below.
var transitions = map[State][]State{
	Idle:                       {Scanning},
	Scanning:                   {Connecting},
	Connecting:                 {DiscoveringServices},
	DiscoveringServices:        {DiscoveringCharacteristics},
	DiscoveringCharacteristics: {Ready},
	Ready:                      {},
	Disconnected:               {Scanning, Idle},
	Failed:                     {Idle},
}

// CanTransition reports whether from → to is a declared transition
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == Failed {
		return true
	}
	if to == Disconnected && from != Idle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
