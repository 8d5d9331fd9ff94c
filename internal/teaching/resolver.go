package teaching

import (
	"context"

	"go.uber.org/zap"
)

// Resolver looks up the named provider on every call and falls back to
// DefaultSafePosition when it is missing or fails.
type Resolver struct {
	registry *Registry
	provider string
	logger   *zap.Logger
}

func NewResolver(registry *Registry, provider string, logger *zap.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		provider: provider,
		logger:   logger,
	}
}

func (r *Resolver) Resolve(ctx context.Context, group, location string) (Position, bool) {
	p, _ := r.registry.Lookup(r.provider)
	return SafeGetPosition(ctx, p, group, location, r.logger.With(zap.String("provider", r.provider)))
}

// Provider returns the currently registered provider, if any.
func (r *Resolver) Provider() (Provider, bool) {
	return r.registry.Lookup(r.provider)
}
