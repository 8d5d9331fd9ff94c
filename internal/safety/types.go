// Package safety tracks the physical interlocks around the wafer-transfer
// robot and derives the single aggregate judgment of whether motion is
// currently permitted.
package safety

import (
	"errors"
	"time"
)

// InterlockStatus is the last known physical state of one interlock device.
type InterlockStatus string

const (
	InterlockOpen        InterlockStatus = "open"
	InterlockClosed      InterlockStatus = "closed"
	InterlockSensorError InterlockStatus = "sensor_error"
	InterlockUnknown     InterlockStatus = "unknown"
)

// Valid reports whether s is one of the known interlock states.
func (s InterlockStatus) Valid() bool {
	switch s {
	case InterlockOpen, InterlockClosed, InterlockSensorError, InterlockUnknown:
		return true
	}
	return false
}

// Status is the aggregate safety judgment.
type Status string

const (
	StatusSafe          Status = "safe"
	StatusWarning       Status = "warning"
	StatusDangerous     Status = "dangerous"
	StatusEmergencyStop Status = "emergency_stop"
)

// Severity orders statuses from Safe (0) to EmergencyStop (3).
func (s Status) Severity() int {
	switch s {
	case StatusSafe:
		return 0
	case StatusWarning:
		return 1
	case StatusDangerous:
		return 2
	default:
		return 3
	}
}

// Device is a snapshot of one registered interlock.
type Device struct {
	Name         string          `json:"name"`
	Location     string          `json:"location"`
	Description  string          `json:"description,omitempty"`
	Status       InterlockStatus `json:"status"`
	Enabled      bool            `json:"enabled"`
	Critical     bool            `json:"critical"`
	LastChangeAt time.Time       `json:"last_change_at"`
}

var (
	ErrEmptyName         = errors.New("interlock name must not be empty")
	ErrUnknownDevice     = errors.New("interlock device not registered")
	ErrInvalidStatus     = errors.New("invalid interlock status")
	ErrConditionsNotSafe = errors.New("safety conditions not satisfied")
)

// StatusSink is the ingestion seam real hardware drivers feed. It may be
// called from any goroutine at any time.
type StatusSink interface {
	UpdateDeviceStatus(name string, status InterlockStatus) error
}

// Gate answers whether robot motion may begin right now.
type Gate interface {
	IsSafeForRobotOperation() bool
}
