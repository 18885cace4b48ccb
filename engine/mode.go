package engine

import (
	"fmt"
	"strings"
)

// Mode controls when a service wants to be up.
type Mode int

const (
	// ModeActive starts as soon as its required dependencies allow and
	// demands them.
	ModeActive Mode = iota
	// ModePassive starts whenever its required dependencies happen to be up
	// but never demands them.
	ModePassive
	// ModeOnDemand is up only while at least one dependent demands it.
	ModeOnDemand
	// ModeLazy starts on the first demand and then stays up until removed.
	ModeLazy
	// ModeNever does not start.
	ModeNever
)

var modeNames = map[Mode]string{
	ModeActive:   "ACTIVE",
	ModePassive:  "PASSIVE",
	ModeOnDemand: "ON_DEMAND",
	ModeLazy:     "LAZY",
	ModeNever:    "NEVER",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts mode names case-insensitively, with '-' or '_'.
// An empty string yields ModeActive.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if norm == "" {
		return ModeActive, nil
	}
	for m, name := range modeNames {
		if name == norm {
			return m, nil
		}
	}
	return 0, fmt.Errorf("engine: unknown mode %q", s)
}

// State is the lifecycle state of an installed service.
type State int

const (
	StateDown State = iota
	StateStarting
	StateUp
	StateStopping
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateStarting:
		return "STARTING"
	case StateUp:
		return "UP"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	case StateRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateDown, StateStarting, StateUp, StateStopping, StateFailed, StateRemoved}
}
