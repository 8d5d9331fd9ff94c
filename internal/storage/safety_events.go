package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/google/uuid"
)

// RecordSafetyEvent appends one registry event to the audit log.
func (p *PostgresClient) RecordSafetyEvent(ctx context.Context, ev safety.Event) error {
	rec := safetyEventRecord(ev)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO safety_events (id, event_type, occurred_at, previous, current, device, device_status, reason, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.EventType, rec.OccurredAt, rec.Previous, rec.Current,
		rec.Device, rec.DeviceStatus, rec.Reason, rec.Source)
	if err != nil {
		return fmt.Errorf("failed to record safety event: %w", err)
	}
	return nil
}

// RecentSafetyEvents returns the newest events first.
func (p *PostgresClient) RecentSafetyEvents(ctx context.Context, limit int) ([]SafetyEventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, event_type, occurred_at, previous, current, device, device_status, reason, source
		FROM safety_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety events: %w", err)
	}
	defer rows.Close()

	events := make([]SafetyEventRecord, 0)
	for rows.Next() {
		var rec SafetyEventRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.OccurredAt, &rec.Previous, &rec.Current,
			&rec.Device, &rec.DeviceStatus, &rec.Reason, &rec.Source); err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		events = append(events, rec)
	}
	return events, rows.Err()
}

func safetyEventRecord(ev safety.Event) SafetyEventRecord {
	return SafetyEventRecord{
		ID:           uuid.New(),
		EventType:    string(ev.Type),
		OccurredAt:   ev.Timestamp,
		Previous:     string(ev.Previous),
		Current:      string(ev.Current),
		Device:       ev.Device,
		DeviceStatus: string(ev.DeviceStatus),
		Reason:       ev.Reason,
		Source:       ev.Source,
	}
}
