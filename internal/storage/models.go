package storage

import (
	"time"

	"github.com/google/uuid"
)

type RecipeRecord struct {
	ID         uuid.UUID `json:"id"`
	RecipeName string    `json:"recipe_name"`
	Version    string    `json:"version"`
	Definition []byte    `json:"-"` // JSONB
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SafetyEventRecord struct {
	ID           uuid.UUID `json:"id"`
	EventType    string    `json:"event_type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Previous     string    `json:"previous,omitempty"`
	Current      string    `json:"current,omitempty"`
	Device       string    `json:"device,omitempty"`
	DeviceStatus string    `json:"device_status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Source       string    `json:"source,omitempty"`
}
