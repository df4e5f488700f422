package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// Repository reads and writes driver_patterns rows and runs the aggregate
// queries the recomputer feeds on.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ PatternStore = (*Repository)(nil)

// GetPattern returns the driver's pattern snapshot, or nil when none has
// been computed yet.
func (r *Repository) GetPattern(ctx context.Context, driverID uuid.UUID) (*models.DriverPattern, error) {
	query := `
		SELECT id, driver_id, hourly_acceptance, zone_acceptance,
		       avg_accepted_distance, max_accepted_distance,
		       short_trip_rate, medium_trip_rate, long_trip_rate,
		       earnings_threshold, tag, data_points, calculated_at
		FROM driver_patterns
		WHERE driver_id = $1
	`
	var (
		p          models.DriverPattern
		hourlyRaw  []byte
		zoneRaw    []byte
	)
	err := r.db.QueryRow(ctx, query, driverID).Scan(
		&p.ID, &p.DriverID, &hourlyRaw, &zoneRaw,
		&p.AvgAcceptedDistance, &p.MaxAcceptedDistance,
		&p.ShortTripRate, &p.MediumTripRate, &p.LongTripRate,
		&p.EarningsThreshold, &p.Tag, &p.DataPoints, &p.CalculatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read driver pattern: %w", err)
	}

	if p.HourlyAcceptance, err = decodeHourlyMap(hourlyRaw); err != nil {
		return nil, fmt.Errorf("failed to decode hourly acceptance: %w", err)
	}
	if err := json.Unmarshal(zoneRaw, &p.ZoneAcceptance); err != nil {
		return nil, fmt.Errorf("failed to decode zone acceptance: %w", err)
	}
	return &p, nil
}

// GetFilters returns the driver's auto-accept rules, or nil when unset.
func (r *Repository) GetFilters(ctx context.Context, driverID uuid.UUID) (*models.DriverFilters, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT auto_accept_filters FROM drivers WHERE id = $1`, driverID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && len(raw) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read driver filters: %w", err)
	}
	var f models.DriverFilters
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode driver filters: %w", err)
	}
	return &f, nil
}

// UpsertPattern replaces the driver's pattern snapshot.
func (r *Repository) UpsertPattern(ctx context.Context, p *models.DriverPattern) error {
	hourlyRaw, err := json.Marshal(encodeHourlyMap(p.HourlyAcceptance))
	if err != nil {
		return err
	}
	zoneRaw, err := json.Marshal(p.ZoneAcceptance)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO driver_patterns (
			id, driver_id, hourly_acceptance, zone_acceptance,
			avg_accepted_distance, max_accepted_distance,
			short_trip_rate, medium_trip_rate, long_trip_rate,
			earnings_threshold, tag, data_points, calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (driver_id) DO UPDATE SET
			hourly_acceptance = $3, zone_acceptance = $4,
			avg_accepted_distance = $5, max_accepted_distance = $6,
			short_trip_rate = $7, medium_trip_rate = $8, long_trip_rate = $9,
			earnings_threshold = $10, tag = $11, data_points = $12,
			calculated_at = $13
	`
	_, err = r.db.Exec(ctx, query,
		p.ID, p.DriverID, hourlyRaw, zoneRaw,
		p.AvgAcceptedDistance, p.MaxAcceptedDistance,
		p.ShortTripRate, p.MediumTripRate, p.LongTripRate,
		p.EarningsThreshold, p.Tag, p.DataPoints, p.CalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert driver pattern: %w", err)
	}
	return nil
}

// ActiveDriverIDs lists drivers with dispatch activity since the cutoff.
func (r *Repository) ActiveDriverIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT driver_id FROM (
			SELECT driver_id FROM orders
			WHERE driver_id IS NOT NULL AND accepted_at >= $1
			UNION ALL
			SELECT driver_id FROM order_rejections WHERE rejected_at >= $1
		) activity
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active drivers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AcceptedOffers returns (hour, zone, pickupKm, tripKm) tuples for the
// driver's accepted orders since the cutoff.
func (r *Repository) AcceptedOffers(ctx context.Context, driverID uuid.UUID, since time.Time) ([]OfferSample, error) {
	query := `
		SELECT hour_of_day, COALESCE(zone_name, ''),
		       COALESCE(pickup_distance_km, 0), COALESCE(actual_distance, 0)
		FROM orders
		WHERE driver_id = $1 AND accepted_at >= $2
	`
	return r.querySamples(ctx, query, driverID, since)
}

// RejectedOffers returns the same tuples for rejections, with the zone
// joined from the rejected order.
func (r *Repository) RejectedOffers(ctx context.Context, driverID uuid.UUID, since time.Time) ([]OfferSample, error) {
	query := `
		SELECT (rej.features->>'hour')::int, COALESCE(o.zone_name, ''),
		       COALESCE((rej.features->>'pickup_distance_km')::float8, 0),
		       COALESCE((rej.features->>'trip_distance_km')::float8, 0)
		FROM order_rejections rej
		JOIN orders o ON o.id = rej.order_id
		WHERE rej.driver_id = $1 AND rej.rejected_at >= $2
	`
	return r.querySamples(ctx, query, driverID, since)
}

// RejectionEarnings returns the today-earnings snapshots attached to the
// driver's rejections, for deriving the earnings threshold.
func (r *Repository) RejectionEarnings(ctx context.Context, driverID uuid.UUID, since time.Time) ([]float64, error) {
	query := `
		SELECT COALESCE((features->>'today_earnings')::float8, 0)
		FROM order_rejections
		WHERE driver_id = $1 AND rejected_at >= $2
	`
	rows, err := r.db.Query(ctx, query, driverID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read rejection earnings: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// OfferSample is one historical accept or reject observation.
type OfferSample struct {
	Hour     int
	Zone     string
	PickupKm float64
	TripKm   float64
}

func (r *Repository) querySamples(ctx context.Context, query string, args ...interface{}) ([]OfferSample, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read offer samples: %w", err)
	}
	defer rows.Close()

	var out []OfferSample
	for rows.Next() {
		var s OfferSample
		if err := rows.Scan(&s.Hour, &s.Zone, &s.PickupKm, &s.TripKm); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// JSON object keys are strings; hour maps convert at the boundary.
func decodeHourlyMap(raw []byte) (map[int]float64, error) {
	var byName map[string]float64
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(byName))
	for k, v := range byName {
		h, err := strconv.Atoi(k)
		if err != nil {
			return nil, err
		}
		out[h] = v
	}
	return out, nil
}

func encodeHourlyMap(m map[int]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for h, v := range m {
		out[strconv.Itoa(h)] = v
	}
	return out
}
