package recipe

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateError     State = "error"
	StateCompleted State = "completed"
)

// ValidateTransition checks a Hub state change against the execution
// state machine. Completed -> Loading lets a finished recipe be replaced
// without an intermediate stop; Paused -> Error covers safety aborts and
// engine faults while paused. Paused -> Completed happens when a pause
// arrives during the final step and the engine finishes anyway.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateIdle:      {StateLoading},
		StateLoading:   {StateReady, StateError},
		StateReady:     {StateLoading, StateExecuting},
		StateExecuting: {StatePaused, StateCompleted, StateError, StateIdle},
		StatePaused:    {StateLoading, StateExecuting, StateIdle, StateError, StateCompleted},
		StateError:     {StateLoading},
		StateCompleted: {StateLoading},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

// Status is a point-in-time view of the Hub.
type Status struct {
	State             State     `json:"state"`
	RecipeID          string    `json:"recipe_id,omitempty"`
	RecipeName        string    `json:"recipe_name,omitempty"`
	RunID             string    `json:"run_id,omitempty"`
	CurrentStepIndex  int       `json:"current_step_index"`
	TotalSteps        int       `json:"total_steps"`
	CompletedSteps    int       `json:"completed_steps"`
	ErrorCount        int       `json:"error_count"`
	Progress          float64   `json:"progress"`
	StatusText        string    `json:"status_text"`
	LastError         string    `json:"last_error,omitempty"`
	HardwareConnected bool      `json:"hardware_connected"`
	LastStateChange   time.Time `json:"last_state_change"`
}

func progress(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(current) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
