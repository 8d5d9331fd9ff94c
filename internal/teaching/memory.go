package teaching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type key struct {
	group    string
	location string
}

// MemoryProvider keeps taught positions in process memory.
type MemoryProvider struct {
	mu        sync.RWMutex
	positions map[key]Record
	now       func() time.Time
}

var _ Provider = (*MemoryProvider)(nil)

func NewMemoryProvider(seed ...Record) *MemoryProvider {
	p := &MemoryProvider{
		positions: make(map[key]Record),
		now:       time.Now,
	}
	for _, rec := range seed {
		p.put(rec)
	}
	return p
}

func (p *MemoryProvider) put(rec Record) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = p.now()
	}
	p.mu.Lock()
	p.positions[key{rec.Group, rec.Location}] = rec
	p.mu.Unlock()
}

func (p *MemoryProvider) GetPosition(ctx context.Context, group, location string) (Position, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.positions[key{group, location}]
	return rec.Position, ok, nil
}

func (p *MemoryProvider) UpdatePosition(ctx context.Context, group, location string, pos Position) error {
	group, location = strings.TrimSpace(group), strings.TrimSpace(location)
	if group == "" || location == "" {
		return ErrEmptyKey
	}

	p.put(Record{Group: group, Location: location, Position: pos, UpdatedAt: p.now()})
	return nil
}

func (p *MemoryProvider) AvailableGroups(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	groups := make([]string, 0)
	for k := range p.positions {
		if !seen[k.group] {
			seen[k.group] = true
			groups = append(groups, k.group)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

func (p *MemoryProvider) AvailableLocations(ctx context.Context, group string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	locations := make([]string, 0)
	for k := range p.positions {
		if k.group == group {
			locations = append(locations, k.location)
		}
	}
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	sort.Strings(locations)
	return locations, nil
}

// Records returns all positions ordered by group and location.
func (p *MemoryProvider) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Record, 0, len(p.positions))
	for _, rec := range p.positions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Location < out[j].Location
	})
	return out
}
