package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/PendantCore/internal/teaching"
)

var _ teaching.Store = (*PostgresClient)(nil)

// LoadTeachingPositions returns every taught position.
func (p *PostgresClient) LoadTeachingPositions(ctx context.Context) ([]teaching.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT grp, location, r, theta, z, updated_at
		FROM teaching_positions
		ORDER BY grp, location
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query teaching positions: %w", err)
	}
	defer rows.Close()

	records := make([]teaching.Record, 0)
	for rows.Next() {
		var rec teaching.Record
		if err := rows.Scan(
			&rec.Group, &rec.Location,
			&rec.Position.R, &rec.Position.Theta, &rec.Position.Z,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan teaching position: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read teaching positions: %w", err)
	}

	return records, nil
}

// SaveTeachingPosition inserts or overwrites one taught position.
func (p *PostgresClient) SaveTeachingPosition(ctx context.Context, rec teaching.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO teaching_positions (grp, location, r, theta, z, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (grp, location) DO UPDATE
		SET r = EXCLUDED.r, theta = EXCLUDED.theta, z = EXCLUDED.z, updated_at = EXCLUDED.updated_at
	`, rec.Group, rec.Location, rec.Position.R, rec.Position.Theta, rec.Position.Z, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save teaching position %s/%s: %w", rec.Group, rec.Location, err)
	}
	return nil
}
