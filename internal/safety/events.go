package safety

import "time"

type EventType string

const (
	EventSafetyStatusChanged    EventType = "safety_status_changed"
	EventInterlockStatusChanged EventType = "interlock_status_changed"
	EventEmergencyStopTriggered EventType = "emergency_stop_triggered"
)

// Event is published by the registry. Which fields are set depends on Type:
// status events carry Previous/Current, interlock events carry Device and
// the device transition, emergency stop events carry Reason/Source.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Previous Status `json:"previous,omitempty"`
	Current  Status `json:"current,omitempty"`

	Device         string          `json:"device,omitempty"`
	PreviousDevice InterlockStatus `json:"previous_device_status,omitempty"`
	DeviceStatus   InterlockStatus `json:"device_status,omitempty"`

	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

const (
	subscriberBuffer = 64
	// pending emergency stops per subscriber; older ones give way to newer
	emergencyStopBuffer = 4
)
