package interfaces

import (
	"context"

	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/KevinKickass/PendantCore/internal/storage"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string        `json:"state"`
	Safety            safety.Status `json:"safety"`
	RecipeState       recipe.State  `json:"recipe_state"`
	ActiveRecipe      string        `json:"active_recipe,omitempty"`
	HardwareConnected bool          `json:"hardware_connected"`
	MonitorRunning    bool          `json:"monitor_running"`
	StorageEnabled    bool          `json:"storage_enabled"`
	LiveClients       int           `json:"live_clients"`
}

// RecipeStore persists recipe documents.
type RecipeStore interface {
	SaveRecipe(ctx context.Context, r *recipe.Recipe) (uuid.UUID, error)
	LoadRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error)
	ListRecipes(ctx context.Context) ([]storage.RecipeRecord, error)
	DeleteRecipe(ctx context.Context, id uuid.UUID) error
}

// SafetyEventLog reads the safety audit trail.
type SafetyEventLog interface {
	RecentSafetyEvents(ctx context.Context, limit int) ([]storage.SafetyEventRecord, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Safety() *safety.Registry
	RecipeHub() *recipe.Hub
	Teaching() *teaching.Registry
	TeachingProvider() (teaching.Provider, bool)

	// nil without database
	RecipeStore() RecipeStore
	SafetyEventLog() SafetyEventLog

	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
