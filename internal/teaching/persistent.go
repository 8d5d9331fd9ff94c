package teaching

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Store persists taught positions. storage.PostgresClient implements it.
type Store interface {
	LoadTeachingPositions(ctx context.Context) ([]Record, error)
	SaveTeachingPosition(ctx context.Context, rec Record) error
}

// PersistentProvider serves lookups from memory and writes updates through
// to the store before they become visible.
type PersistentProvider struct {
	cache  *MemoryProvider
	store  Store
	logger *zap.Logger
}

var _ Provider = (*PersistentProvider)(nil)

func NewPersistentProvider(store Store, logger *zap.Logger) *PersistentProvider {
	return &PersistentProvider{
		cache:  NewMemoryProvider(),
		store:  store,
		logger: logger,
	}
}

// Load replaces the cache content with what the store holds.
func (p *PersistentProvider) Load(ctx context.Context) error {
	records, err := p.store.LoadTeachingPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load teaching positions: %w", err)
	}

	positions := make(map[key]Record, len(records))
	for _, rec := range records {
		positions[key{rec.Group, rec.Location}] = rec
	}

	p.cache.mu.Lock()
	p.cache.positions = positions
	p.cache.mu.Unlock()

	p.logger.Info("Teaching positions loaded", zap.Int("count", len(records)))
	return nil
}

func (p *PersistentProvider) GetPosition(ctx context.Context, group, location string) (Position, bool, error) {
	return p.cache.GetPosition(ctx, group, location)
}

func (p *PersistentProvider) UpdatePosition(ctx context.Context, group, location string, pos Position) error {
	group, location = strings.TrimSpace(group), strings.TrimSpace(location)
	if group == "" || location == "" {
		return ErrEmptyKey
	}

	rec := Record{Group: group, Location: location, Position: pos, UpdatedAt: p.cache.now()}
	if err := p.store.SaveTeachingPosition(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist teaching position %s/%s: %w", group, location, err)
	}
	p.cache.put(rec)

	p.logger.Info("Teaching position updated",
		zap.String("group", group),
		zap.String("location", location),
		zap.Float64("r", pos.R),
		zap.Float64("theta", pos.Theta),
		zap.Float64("z", pos.Z))
	return nil
}

func (p *PersistentProvider) AvailableGroups(ctx context.Context) ([]string, error) {
	return p.cache.AvailableGroups(ctx)
}

func (p *PersistentProvider) AvailableLocations(ctx context.Context, group string) ([]string, error) {
	return p.cache.AvailableLocations(ctx, group)
}

func (p *PersistentProvider) Records() []Record {
	return p.cache.Records()
}
