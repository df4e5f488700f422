package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists presence state to the drivers table.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a presence repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// UpdateDriverStatus writes a driver's availability and heartbeat.
func (r *Repository) UpdateDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverAvailability, heartbeat time.Time) error {
	query := `
		UPDATE drivers
		SET availability = $2, last_heartbeat = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, driverID, status, heartbeat); err != nil {
		return fmt.Errorf("failed to update driver status: %w", err)
	}
	return nil
}

// UpdateDriverLocation writes a driver's last known point.
func (r *Repository) UpdateDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	query := `
		UPDATE drivers
		SET last_lat = $2, last_lng = $3, last_speed = $4, last_bearing = $5,
		    last_located_at = $6, last_heartbeat = $6, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query,
		loc.DriverID, loc.Latitude, loc.Longitude, loc.Speed, loc.Bearing, loc.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}
