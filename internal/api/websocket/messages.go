package websocket

import (
	"time"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Safety messages
	MessageTypeSafetyStatus    MessageType = "safety_status"
	MessageTypeInterlockStatus MessageType = "interlock_status"
	MessageTypeEmergencyStop   MessageType = "emergency_stop"

	// Recipe execution messages
	MessageTypeRecipeState         MessageType = "recipe_state"
	MessageTypeRecipeStepStarted   MessageType = "recipe_step_started"
	MessageTypeRecipeStepCompleted MessageType = "recipe_step_completed"
	MessageTypeRecipeCompleted     MessageType = "recipe_completed"
	MessageTypeRecipeError         MessageType = "recipe_error"
)

const (
	TopicSafety = "safety"
	TopicRecipe = "recipe"
)

// Topic groups message types for client subscriptions.
func (t MessageType) Topic() string {
	switch t {
	case MessageTypeSafetyStatus, MessageTypeInterlockStatus, MessageTypeEmergencyStop:
		return TopicSafety
	default:
		return TopicRecipe
	}
}

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type SafetyStatusData struct {
	Status   safety.Status `json:"status"`
	Previous safety.Status `json:"previous_status"`
}

type InterlockStatusData struct {
	Device   string                 `json:"device"`
	Status   safety.InterlockStatus `json:"status"`
	Previous safety.InterlockStatus `json:"previous_status"`
}

type EmergencyStopData struct {
	Reason string `json:"reason"`
	Source string `json:"source"`
}

type RecipeStateData struct {
	State    recipe.State `json:"state"`
	Previous recipe.State `json:"previous_state"`
	Recipe   string       `json:"recipe,omitempty"`
	RunID    string       `json:"run_id,omitempty"`
}

type RecipeStepData struct {
	RunID     string  `json:"run_id"`
	StepIndex int     `json:"step_index"`
	StepName  string  `json:"step_name"`
	Success   *bool   `json:"success,omitempty"`
	Progress  float64 `json:"progress"`
}

type RecipeResultData struct {
	RunID   string      `json:"run_id,omitempty"`
	Recipe  string      `json:"recipe,omitempty"`
	Code    recipe.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromSafetyEvent converts a registry event into its push message.
func FromSafetyEvent(ev safety.Event) (Message, bool) {
	var msg Message
	switch ev.Type {
	case safety.EventSafetyStatusChanged:
		msg = NewMessage(MessageTypeSafetyStatus, SafetyStatusData{Status: ev.Current, Previous: ev.Previous})
	case safety.EventInterlockStatusChanged:
		msg = NewMessage(MessageTypeInterlockStatus, InterlockStatusData{
			Device:   ev.Device,
			Status:   ev.DeviceStatus,
			Previous: ev.PreviousDevice,
		})
	case safety.EventEmergencyStopTriggered:
		msg = NewMessage(MessageTypeEmergencyStop, EmergencyStopData{Reason: ev.Reason, Source: ev.Source})
	default:
		return Message{}, false
	}
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg, true
}

// FromRecipeEvent converts a Hub event into its push message.
func FromRecipeEvent(ev recipe.Event) (Message, bool) {
	var msg Message
	switch ev.Type {
	case recipe.EventStateChanged:
		msg = NewMessage(MessageTypeRecipeState, RecipeStateData{
			State:    ev.Current,
			Previous: ev.Previous,
			Recipe:   ev.Recipe,
			RunID:    ev.RunID,
		})
	case recipe.EventStepStarted:
		msg = NewMessage(MessageTypeRecipeStepStarted, RecipeStepData{
			RunID:     ev.RunID,
			StepIndex: ev.StepIndex,
			StepName:  ev.StepName,
			Progress:  ev.Progress,
		})
	case recipe.EventStepCompleted:
		success := ev.Success
		msg = NewMessage(MessageTypeRecipeStepCompleted, RecipeStepData{
			RunID:     ev.RunID,
			StepIndex: ev.StepIndex,
			StepName:  ev.StepName,
			Success:   &success,
			Progress:  ev.Progress,
		})
	case recipe.EventExecutionCompleted:
		msg = NewMessage(MessageTypeRecipeCompleted, RecipeResultData{RunID: ev.RunID, Recipe: ev.Recipe})
	case recipe.EventError:
		msg = NewMessage(MessageTypeRecipeError, RecipeResultData{
			RunID:   ev.RunID,
			Recipe:  ev.Recipe,
			Code:    ev.Code,
			Message: ev.Message,
		})
	default:
		return Message{}, false
	}
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg, true
}
