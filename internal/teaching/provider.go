// Package teaching resolves named teaching coordinates (group + location)
// to physical robot positions.
package teaching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Position in robot coordinates: radial extension and Z in millimetres,
// theta in degrees.
type Position struct {
	R     float64 `json:"r"`
	Theta float64 `json:"theta"`
	Z     float64 `json:"z"`
}

// DefaultSafePosition is the retracted home pose used whenever a lookup
// cannot be resolved.
var DefaultSafePosition = Position{R: 0, Theta: 0, Z: 50}

// Record is a taught position together with its key.
type Record struct {
	Group     string    `json:"group"`
	Location  string    `json:"location"`
	Position  Position  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrEmptyKey      = errors.New("group and location must not be empty")
	ErrUnknownGroup  = errors.New("unknown teaching group")
	ErrProviderPanic = errors.New("teaching provider panicked")
)

// Provider is the teaching data contract. A missing position is reported
// as ok == false, not as an error.
type Provider interface {
	GetPosition(ctx context.Context, group, location string) (pos Position, ok bool, err error)
	UpdatePosition(ctx context.Context, group, location string, pos Position) error
	AvailableGroups(ctx context.Context) ([]string, error)
	AvailableLocations(ctx context.Context, group string) ([]string, error)
}

// SafeGetPosition never fails: errors, panics and missing entries all
// resolve to DefaultSafePosition with resolved == false.
func SafeGetPosition(ctx context.Context, p Provider, group, location string, logger *zap.Logger) (pos Position, resolved bool) {
	if p == nil {
		logger.Warn("No teaching provider, using default safe position",
			zap.String("group", group),
			zap.String("location", location))
		return DefaultSafePosition, false
	}

	pos, ok, err := lookup(ctx, p, group, location)
	if err != nil {
		logger.Warn("Teaching lookup failed, using default safe position",
			zap.String("group", group),
			zap.String("location", location),
			zap.Error(err))
		return DefaultSafePosition, false
	}
	if !ok {
		logger.Debug("Teaching position not found, using default safe position",
			zap.String("group", group),
			zap.String("location", location))
		return DefaultSafePosition, false
	}
	return pos, true
}

func lookup(ctx context.Context, p Provider, group, location string) (pos Position, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			pos, ok, err = Position{}, false, fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()
	return p.GetPosition(ctx, group, location)
}
