package system

import (
	"errors"
	"fmt"
)

// SystemState is the process lifecycle, independent of the recipe state
// machine and the safety status.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = map[SystemState]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s SystemState) Terminal() bool {
	return len(lifecycleTransitions[s]) == 0
}

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Stopped ist endgültig, ein Neustart braucht einen neuen Prozess.
var lifecycleTransitions = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateStopping, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateError:        {StateStopping, StateStopped},
}

func ValidateTransition(from, to SystemState) error {
	if _, known := stateNames[from]; !known {
		return fmt.Errorf("%w: unknown state %d", ErrInvalidTransition, int(from))
	}
	for _, next := range lifecycleTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
