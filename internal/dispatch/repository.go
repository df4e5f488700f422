package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eastrift/fleet-dispatch/pkg/database"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// Store is the persistence surface the orchestrator runs on.
type Store interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	AcceptOrderCAS(ctx context.Context, orderID, driverID uuid.UUID, at time.Time, pickupKm *float64, wave int) (bool, error)
	IncrementRejectCount(ctx context.Context, orderID uuid.UUID) error
	UpdateOrderTransition(ctx context.Context, o *models.Order, expected models.OrderStatus) (bool, error)
	PersistTerminal(ctx context.Context, o *models.Order) error
	ListStaleOffered(ctx context.Context, olderThan time.Time) ([]models.Order, error)
	ListStaleAccepted(ctx context.Context, olderThan time.Time) ([]models.Order, error)

	AppendDispatchLog(ctx context.Context, log *models.DispatchLog) error
	RecordLogAcceptance(ctx context.Context, orderID uuid.UUID, wave int, driverID uuid.UUID, at time.Time, responseMs int64) error
	AppendRejection(ctx context.Context, rej *models.Rejection) error

	GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	DriverDayStats(ctx context.Context, driverID uuid.UUID, dayStart time.Time) (models.DriverDayStats, error)
	FleetAvgEarnings(ctx context.Context, dayStart time.Time) (float64, error)
	IncrementDriverStats(ctx context.Context, driverID uuid.UUID, fare float64) error

	EnsurePassenger(ctx context.Context, phone, name string) (*models.Passenger, error)
	GetPassenger(ctx context.Context, id uuid.UUID) (*models.Passenger, error)
	RateOrder(ctx context.Context, orderID uuid.UUID, rating int) error
}

// Repository is the pgx implementation of Store.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const orderColumns = `
	id, passenger_id, driver_id, status,
	pickup_latitude, pickup_longitude, pickup_address,
	dropoff_latitude, dropoff_longitude, dropoff_address,
	payment_type, estimated_fare, meter_amount, actual_distance, actual_duration,
	photo_url, surge_multiplier, pickup_distance_km, zone_name,
	reject_count, dispatch_batch, dispatch_method, hour_of_day, day_of_week,
	cancel_reason, cancelled_by, created_at, offered_at, accepted_at,
	arrived_at, started_at, completed_at, cancelled_at, rating
`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.PassengerID, &o.DriverID, &o.Status,
		&o.PickupLatitude, &o.PickupLongitude, &o.PickupAddress,
		&o.DropoffLatitude, &o.DropoffLongitude, &o.DropoffAddress,
		&o.PaymentType, &o.EstimatedFare, &o.MeterAmount, &o.ActualDistance, &o.ActualDuration,
		&o.PhotoURL, &o.SurgeMultiplier, &o.PickupDistance, &o.ZoneName,
		&o.RejectCount, &o.DispatchBatch, &o.DispatchMethod, &o.HourOfDay, &o.DayOfWeek,
		&o.CancelReason, &o.CancelledBy, &o.CreatedAt, &o.OfferedAt, &o.AcceptedAt,
		&o.ArrivedAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt, &o.Rating,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder persists a freshly-admitted order in OFFERED.
func (r *Repository) CreateOrder(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (
			id, passenger_id, status,
			pickup_latitude, pickup_longitude, pickup_address,
			dropoff_latitude, dropoff_longitude, dropoff_address,
			payment_type, estimated_fare, surge_multiplier, zone_name,
			dispatch_batch, dispatch_method, hour_of_day, day_of_week,
			created_at, offered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	err := database.RetryableExec(ctx, r.db, query,
		o.ID, o.PassengerID, o.Status,
		o.PickupLatitude, o.PickupLongitude, o.PickupAddress,
		o.DropoffLatitude, o.DropoffLongitude, o.DropoffAddress,
		o.PaymentType, o.EstimatedFare, o.SurgeMultiplier, o.ZoneName,
		o.DispatchBatch, o.DispatchMethod, o.HourOfDay, o.DayOfWeek,
		o.CreatedAt, o.OfferedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	return o, nil
}

// AcceptOrderCAS resolves the acceptance race: the winner is whoever lands
// the compare-and-set on (status == OFFERED AND driver_id IS NULL) first.
func (r *Repository) AcceptOrderCAS(ctx context.Context, orderID, driverID uuid.UUID, at time.Time, pickupKm *float64, wave int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = 'accepted', driver_id = $2, accepted_at = $3, pickup_distance_km = $4, dispatch_batch = $5
		WHERE id = $1 AND status = 'offered' AND driver_id IS NULL
	`, orderID, driverID, at, pickupKm, wave)
	if err != nil {
		return false, fmt.Errorf("failed to accept order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementRejectCount bumps the order's rejection tally; losing this write
// is tolerable.
func (r *Repository) IncrementRejectCount(ctx context.Context, orderID uuid.UUID) error {
	return database.RetryableExec(ctx, r.db,
		`UPDATE orders SET reject_count = reject_count + 1 WHERE id = $1`, orderID)
}

// UpdateOrderTransition writes a non-terminal transition with an optimistic
// guard on the expected current status. Returns false when another actor
// got there first.
func (r *Repository) UpdateOrderTransition(ctx context.Context, o *models.Order, expected models.OrderStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $2, meter_amount = $3, actual_distance = $4, actual_duration = $5,
		    photo_url = $6, pickup_distance_km = $7, reject_count = $8,
		    arrived_at = $9, started_at = $10
		WHERE id = $1 AND status = $11
	`,
		o.ID, o.Status, o.MeterAmount, o.ActualDistance, o.ActualDuration,
		o.PhotoURL, o.PickupDistance, o.RejectCount,
		o.ArrivedAt, o.StartedAt, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PersistTerminal writes a DONE or CANCELLED row, retrying until the write
// lands or ctx expires. The hot path bounds ctx and hands persistent
// failures to the flusher; a terminal state must never be lost.
func (r *Repository) PersistTerminal(ctx context.Context, o *models.Order) error {
	return database.ExecUntilDone(ctx, r.db, `
		UPDATE orders
		SET status = $2, meter_amount = $3, actual_distance = $4, actual_duration = $5,
		    photo_url = $6, reject_count = $7, cancel_reason = $8, cancelled_by = $9,
		    completed_at = $10, cancelled_at = $11
		WHERE id = $1
	`,
		o.ID, o.Status, o.MeterAmount, o.ActualDistance, o.ActualDuration,
		o.PhotoURL, o.RejectCount, o.CancelReason, o.CancelledBy,
		o.CompletedAt, o.CancelledAt,
	)
}

// ListStaleOffered scans for orders stuck in OFFERED past the dispatch
// horizon, for the sweeper to fail over.
func (r *Repository) ListStaleOffered(ctx context.Context, olderThan time.Time) ([]models.Order, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'offered' AND created_at < $1 ORDER BY created_at`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListStaleAccepted scans for orders a driver accepted long ago without
// any pickup progress, candidates for driver-lost cancellation.
func (r *Repository) ListStaleAccepted(ctx context.Context, olderThan time.Time) ([]models.Order, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'accepted' AND accepted_at < $1 ORDER BY accepted_at`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale accepted orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AppendDispatchLog writes one wave's candidate list and weight snapshot.
func (r *Repository) AppendDispatchLog(ctx context.Context, log *models.DispatchLog) error {
	candidates, err := json.Marshal(log.Candidates)
	if err != nil {
		return err
	}
	weights, err := json.Marshal(log.Weights)
	if err != nil {
		return err
	}
	err = database.RetryableExec(ctx, r.db, `
		INSERT INTO dispatch_logs (id, order_id, wave_number, candidates, weights, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.ID, log.OrderID, log.WaveNumber, candidates, weights, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append dispatch log: %w", err)
	}
	return nil
}

// RecordLogAcceptance fills the acceptance fields on the winning wave's row.
func (r *Repository) RecordLogAcceptance(ctx context.Context, orderID uuid.UUID, wave int, driverID uuid.UUID, at time.Time, responseMs int64) error {
	err := database.RetryableExec(ctx, r.db, `
		UPDATE dispatch_logs
		SET accepted_by = $3, accepted_at = $4, response_ms = $5
		WHERE order_id = $1 AND wave_number = $2
	`, orderID, wave, driverID, at, responseMs)
	if err != nil {
		return fmt.Errorf("failed to record acceptance: %w", err)
	}
	return nil
}

// AppendRejection appends one rejection with its feature snapshot.
func (r *Repository) AppendRejection(ctx context.Context, rej *models.Rejection) error {
	features, err := json.Marshal(rej.Features)
	if err != nil {
		return err
	}
	err = database.RetryableExec(ctx, r.db, `
		INSERT INTO order_rejections (id, order_id, driver_id, reason, features, offered_at, rejected_at, response_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rej.ID, rej.OrderID, rej.DriverID, rej.Reason, features, rej.OfferedAt, rej.RejectedAt, rej.ResponseMs)
	if err != nil {
		return fmt.Errorf("failed to append rejection: %w", err)
	}
	return nil
}

func (r *Repository) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	var d models.Driver
	err := r.db.QueryRow(ctx, `
		SELECT id, name, phone, plate, availability, is_blocked, block_reason,
		       rating, total_trips, total_earnings, acceptance_rate, tag
		FROM drivers WHERE id = $1
	`, id).Scan(
		&d.ID, &d.Name, &d.Phone, &d.Plate, &d.Availability, &d.IsBlocked, &d.BlockReason,
		&d.Rating, &d.TotalTrips, &d.TotalEarnings, &d.AcceptanceRate, &d.Tag,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read driver: %w", err)
	}
	return &d, nil
}

// DriverDayStats aggregates today's completed trips for earnings balancing
// and predictor features. Online hours approximate as time since the first
// acceptance of the day.
func (r *Repository) DriverDayStats(ctx context.Context, driverID uuid.UUID, dayStart time.Time) (models.DriverDayStats, error) {
	stats := models.DriverDayStats{DriverID: driverID}
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(meter_amount), 0), COUNT(*),
		       COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(accepted_at))) / 3600, 0)
		FROM orders
		WHERE driver_id = $1 AND status = 'done' AND completed_at >= $2
	`, driverID, dayStart).Scan(&stats.Earnings, &stats.Trips, &stats.OnlineHours)
	if err != nil {
		return stats, fmt.Errorf("failed to read driver day stats: %w", err)
	}
	return stats, nil
}

// FleetAvgEarnings is the mean of today's per-driver completed earnings.
func (r *Repository) FleetAvgEarnings(ctx context.Context, dayStart time.Time) (float64, error) {
	var avg float64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(earned), 0) FROM (
			SELECT SUM(meter_amount) AS earned
			FROM orders
			WHERE status = 'done' AND completed_at >= $1 AND driver_id IS NOT NULL
			GROUP BY driver_id
		) per_driver
	`, dayStart).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to read fleet average: %w", err)
	}
	return avg, nil
}

// IncrementDriverStats bumps lifetime counters when a trip completes.
func (r *Repository) IncrementDriverStats(ctx context.Context, driverID uuid.UUID, fare float64) error {
	err := database.RetryableExec(ctx, r.db, `
		UPDATE drivers
		SET total_trips = total_trips + 1, total_earnings = total_earnings + $2
		WHERE id = $1
	`, driverID, fare)
	if err != nil {
		return fmt.Errorf("failed to increment driver stats: %w", err)
	}
	return nil
}

// EnsurePassenger finds or creates the passenger for a phone number. A
// second request with a known phone rebinds to the existing record.
func (r *Repository) EnsurePassenger(ctx context.Context, phone, name string) (*models.Passenger, error) {
	var p models.Passenger
	err := r.db.QueryRow(ctx, `
		INSERT INTO passengers (id, phone, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (phone) DO UPDATE SET name = COALESCE(NULLIF($3, ''), passengers.name)
		RETURNING id, phone, name, is_blocked, rating, total_trips
	`, uuid.New(), phone, name).Scan(
		&p.ID, &p.Phone, &p.Name, &p.IsBlocked, &p.Rating, &p.TotalTrips,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure passenger: %w", err)
	}
	return &p, nil
}

func (r *Repository) GetPassenger(ctx context.Context, id uuid.UUID) (*models.Passenger, error) {
	var p models.Passenger
	err := r.db.QueryRow(ctx, `
		SELECT id, phone, name, is_blocked, rating, total_trips
		FROM passengers WHERE id = $1
	`, id).Scan(&p.ID, &p.Phone, &p.Name, &p.IsBlocked, &p.Rating, &p.TotalTrips)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read passenger: %w", err)
	}
	return &p, nil
}

// RateOrder attaches a rating to a terminal order and folds it into the
// driver's aggregate.
func (r *Repository) RateOrder(ctx context.Context, orderID uuid.UUID, rating int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders SET rating = $2
		WHERE id = $1 AND status = 'done' AND rating IS NULL
	`, orderID, rating)
	if err != nil {
		return fmt.Errorf("failed to rate order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return database.RetryableExec(ctx, r.db, `
		UPDATE drivers d
		SET rating = sub.avg_rating
		FROM (
			SELECT driver_id, AVG(rating)::float8 AS avg_rating
			FROM orders
			WHERE rating IS NOT NULL AND driver_id IS NOT NULL
			GROUP BY driver_id
		) sub
		WHERE d.id = sub.driver_id AND d.id = (SELECT driver_id FROM orders WHERE id = $1)
	`, orderID)
}
