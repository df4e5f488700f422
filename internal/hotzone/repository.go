package hotzone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// Repository persists zone configs and quota counters.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// ListActiveZones loads all active zone configs.
func (r *Repository) ListActiveZones(ctx context.Context) ([]models.HotZone, error) {
	query := `
		SELECT id, name, center_lat, center_lng, radius_km, peak_hours,
		       quota_normal, quota_peak, surge_threshold, max_surge_multiplier,
		       surge_step, queue_enabled, max_queue_size, queue_timeout_minutes,
		       active, priority, created_at, updated_at
		FROM hot_zones
		WHERE active = true
		ORDER BY priority DESC, id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list hot zones: %w", err)
	}
	defer rows.Close()

	var zones []models.HotZone
	for rows.Next() {
		var z models.HotZone
		err := rows.Scan(
			&z.ID, &z.Name, &z.CenterLatitude, &z.CenterLongitude, &z.RadiusKm,
			&z.PeakHours, &z.QuotaNormal, &z.QuotaPeak, &z.SurgeThreshold,
			&z.MaxSurgeMultiplier, &z.SurgeStep, &z.QueueEnabled, &z.MaxQueueSize,
			&z.QueueTimeoutMinutes, &z.Active, &z.Priority, &z.CreatedAt, &z.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hot zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// UpsertQuota mirrors an in-memory counter to the hot_zone_quotas table.
func (r *Repository) UpsertQuota(ctx context.Context, quota models.ZoneQuota) error {
	query := `
		INSERT INTO hot_zone_quotas (zone_id, date, hour, limit_effective, used, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (zone_id, date, hour)
		DO UPDATE SET limit_effective = $4, used = $5, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, quota.ZoneID, quota.Date, quota.Hour, quota.Limit, quota.Used); err != nil {
		return fmt.Errorf("failed to upsert zone quota: %w", err)
	}
	return nil
}
