package recipe

import "time"

type EventType string

const (
	EventStateChanged       EventType = "recipe_state_changed"
	EventStepStarted        EventType = "recipe_step_started"
	EventStepCompleted      EventType = "recipe_step_completed"
	EventExecutionCompleted EventType = "recipe_execution_completed"
	EventError              EventType = "recipe_error"
)

// Event is emitted by the Hub after the state change it describes has been
// applied.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Recipe    string    `json:"recipe,omitempty"`

	Previous State `json:"previous,omitempty"`
	Current  State `json:"current,omitempty"`

	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name,omitempty"`
	Success   bool   `json:"success"`

	Code     Code    `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
	Progress float64 `json:"progress"`
}

const subscriberBuffer = 64
