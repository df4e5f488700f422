// Package presence is the in-memory source of truth for which drivers are
// online, where they are, and whether dispatch may offer to them.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	apperrors "github.com/eastrift/fleet-dispatch/pkg/errors"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	redisclient "github.com/eastrift/fleet-dispatch/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const driverGeoIndexKey = "drivers:geo:index"

// ErrHoldingOrder is returned when a driver tries to go AVAILABLE while an
// order is still assigned to them.
var ErrHoldingOrder = fmt.Errorf("driver holds a non-terminal order")

// Snapshot is one driver's presence state as returned by queries. Queries
// copy; callers never see the live entry.
type Snapshot struct {
	DriverID      uuid.UUID
	Availability  models.DriverAvailability
	Location      *models.DriverLocation
	LastHeartbeat time.Time
	CurrentOrder  *uuid.UUID
}

// Broadcaster pushes the nearby-driver snapshot to connected passengers.
type Broadcaster interface {
	NearbyDrivers(drivers []models.DriverLocation)
}

type entry struct {
	availability  models.DriverAvailability
	location      *models.DriverLocation
	lastHeartbeat time.Time
	currentOrder  *uuid.UUID
}

// Registry is the authoritative presence map. Reads take a read share and
// return snapshots; mutators take the write lock.
type Registry struct {
	mu      sync.RWMutex
	drivers map[uuid.UUID]*entry

	clk       clock.Clock
	freshness time.Duration
	redis     redisclient.ClientInterface
	batcher   *Batcher
	bcast     Broadcaster
}

// NewRegistry creates a presence registry. redis mirrors AVAILABLE drivers
// into a GEO index for radius queries; batcher write-behinds to storage.
func NewRegistry(clk clock.Clock, freshness time.Duration, redis redisclient.ClientInterface, batcher *Batcher) *Registry {
	return &Registry{
		drivers:   make(map[uuid.UUID]*entry),
		clk:       clk,
		freshness: freshness,
		redis:     redis,
		batcher:   batcher,
	}
}

// SetBroadcaster wires the passenger-facing nearby broadcast.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.bcast = b
}

// SetOnline opens presence for a driver.
func (r *Registry) SetOnline(ctx context.Context, driverID uuid.UUID) {
	now := r.clk.Now()

	r.mu.Lock()
	e := r.ensure(driverID)
	e.availability = models.DriverAvailable
	e.lastHeartbeat = now
	r.mu.Unlock()

	// Dispatch depends on AVAILABLE being visible, so this flush is immediate.
	r.batcher.FlushStatus(ctx, driverID, models.DriverAvailable, now)
	logger.InfoContext(ctx, "driver online", zap.String("driver_id", driverID.String()))
}

// SetStatus changes a driver's availability. A driver holding a
// non-terminal order cannot return to AVAILABLE.
func (r *Registry) SetStatus(ctx context.Context, driverID uuid.UUID, status models.DriverAvailability) error {
	now := r.clk.Now()

	r.mu.Lock()
	e := r.ensure(driverID)
	if status == models.DriverAvailable && e.currentOrder != nil {
		orderID := *e.currentOrder
		r.mu.Unlock()
		logger.WarnContext(ctx, "refused AVAILABLE while holding order",
			zap.String("driver_id", driverID.String()),
			zap.String("order_id", orderID.String()),
		)
		apperrors.CaptureError(ErrHoldingOrder, map[string]string{
			"driver_id": driverID.String(),
			"order_id":  orderID.String(),
			"kind":      "availability_refused",
		})
		return ErrHoldingOrder
	}
	prev := e.availability
	e.availability = status
	e.lastHeartbeat = now
	loc := e.location
	r.mu.Unlock()

	availabilityEdge := (prev == models.DriverAvailable) != (status == models.DriverAvailable)
	if availabilityEdge {
		r.batcher.FlushStatus(ctx, driverID, status, now)
	} else {
		r.batcher.EnqueueStatus(driverID, status, now)
	}

	r.syncGeoIndex(ctx, driverID, status, loc)
	return nil
}

// UpdateLocation records a location tick. Accepted at any status; only
// AVAILABLE drivers are mirrored into the passenger-visible geo index.
func (r *Registry) UpdateLocation(ctx context.Context, driverID uuid.UUID, lat, lng, speed, bearing float64) {
	now := r.clk.Now()
	loc := &models.DriverLocation{
		DriverID:  driverID,
		Latitude:  lat,
		Longitude: lng,
		Speed:     speed,
		Bearing:   bearing,
		Timestamp: now,
	}

	r.mu.Lock()
	e := r.ensure(driverID)
	e.location = loc
	e.lastHeartbeat = now
	status := e.availability
	r.mu.Unlock()

	r.batcher.EnqueueLocation(*loc)
	r.syncGeoIndex(ctx, driverID, status, loc)
}

// OnDisconnect handles session loss: the driver is treated as offline.
func (r *Registry) OnDisconnect(ctx context.Context, driverID uuid.UUID) {
	now := r.clk.Now()

	r.mu.Lock()
	e, ok := r.drivers[driverID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.availability = models.DriverOffline
	e.lastHeartbeat = now
	r.mu.Unlock()

	r.batcher.FlushStatus(ctx, driverID, models.DriverOffline, now)
	if r.redis != nil {
		_ = r.redis.GeoRemove(ctx, driverGeoIndexKey, driverID.String())
	}
	logger.InfoContext(ctx, "driver session lost", zap.String("driver_id", driverID.String()))
}

// AssignOrder marks a driver as carrying an order and moves them ON_TRIP.
// A driver carries at most one order: assigning over an existing different
// order is refused, never overwritten. Re-assigning the same order is a
// no-op so the winner's idempotent re-accept stays cheap.
func (r *Registry) AssignOrder(ctx context.Context, driverID, orderID uuid.UUID) error {
	now := r.clk.Now()

	r.mu.Lock()
	e := r.ensure(driverID)
	if e.currentOrder != nil {
		held := *e.currentOrder
		r.mu.Unlock()
		if held == orderID {
			return nil
		}
		logger.WarnContext(ctx, "refused second order assignment",
			zap.String("driver_id", driverID.String()),
			zap.String("held_order", held.String()),
			zap.String("new_order", orderID.String()),
		)
		return ErrHoldingOrder
	}
	e.currentOrder = &orderID
	e.availability = models.DriverOnTrip
	r.mu.Unlock()

	r.batcher.FlushStatus(ctx, driverID, models.DriverOnTrip, now)
	if r.redis != nil {
		_ = r.redis.GeoRemove(ctx, driverGeoIndexKey, driverID.String())
	}
	return nil
}

// ClearOrder releases a driver's in-flight assignment. backToAvailable is
// true on trip completion, false when the driver disconnected or was blocked.
func (r *Registry) ClearOrder(ctx context.Context, driverID uuid.UUID, backToAvailable bool) {
	now := r.clk.Now()

	r.mu.Lock()
	e := r.ensure(driverID)
	e.currentOrder = nil
	var loc *models.DriverLocation
	if backToAvailable && e.availability == models.DriverOnTrip {
		e.availability = models.DriverAvailable
		loc = e.location
	}
	status := e.availability
	r.mu.Unlock()

	r.batcher.FlushStatus(ctx, driverID, status, now)
	r.syncGeoIndex(ctx, driverID, status, loc)
}

// CurrentOrder returns the driver's in-flight order id, if any.
func (r *Registry) CurrentOrder(driverID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok || e.currentOrder == nil {
		return uuid.Nil, false
	}
	return *e.currentOrder, true
}

// Get returns a snapshot for one driver.
func (r *Registry) Get(driverID uuid.UUID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(driverID, e), true
}

// QueryAvailable returns a point-in-time snapshot of dispatchable drivers
// within radiusKm of the center, closest first. Drivers whose heartbeat is
// older than the freshness window are treated as offline regardless of
// stored availability.
func (r *Registry) QueryAvailable(centerLat, centerLng, radiusKm float64) []Snapshot {
	now := r.clk.Now()

	r.mu.RLock()
	out := make([]Snapshot, 0, 16)
	for id, e := range r.drivers {
		if !e.availability.Dispatchable() {
			continue
		}
		if now.Sub(e.lastHeartbeat) > r.freshness {
			continue
		}
		if e.location == nil {
			continue
		}
		if geo.DistanceKm(centerLat, centerLng, e.location.Latitude, e.location.Longitude) > radiusKm {
			continue
		}
		out = append(out, r.snapshotLocked(id, e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		di := geo.DistanceKm(centerLat, centerLng, out[i].Location.Latitude, out[i].Location.Longitude)
		dj := geo.DistanceKm(centerLat, centerLng, out[j].Location.Latitude, out[j].Location.Longitude)
		return di < dj
	})
	return out
}

// maxNearbyResults caps one geo-index query; passengers only ever see a
// screenful of pins.
const maxNearbyResults = 50

// QueryNearby resolves the passenger-visible nearby set through the Redis
// GEO index when one is configured, falling back to the in-memory scan.
// Index members are still filtered through the registry so stale or
// re-statused drivers do not leak out of the mirror.
func (r *Registry) QueryNearby(ctx context.Context, centerLat, centerLng, radiusKm float64) []Snapshot {
	if r.redis == nil {
		return r.QueryAvailable(centerLat, centerLng, radiusKm)
	}
	members, err := r.redis.GeoRadius(ctx, driverGeoIndexKey, centerLng, centerLat, radiusKm, maxNearbyResults)
	if err != nil {
		logger.WarnContext(ctx, "geo index query failed, scanning registry", zap.Error(err))
		return r.QueryAvailable(centerLat, centerLng, radiusKm)
	}

	now := r.clk.Now()
	out := make([]Snapshot, 0, len(members))
	r.mu.RLock()
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		e, ok := r.drivers[id]
		if !ok || !e.availability.Dispatchable() || e.location == nil {
			continue
		}
		if now.Sub(e.lastHeartbeat) > r.freshness {
			continue
		}
		out = append(out, r.snapshotLocked(id, e))
	}
	r.mu.RUnlock()
	return out
}

// AnnounceNearby broadcasts the current AVAILABLE set to all connected
// passengers. Best effort.
func (r *Registry) AnnounceNearby() {
	if r.bcast == nil {
		return
	}
	now := r.clk.Now()

	r.mu.RLock()
	visible := make([]models.DriverLocation, 0, len(r.drivers))
	for _, e := range r.drivers {
		if !e.availability.Dispatchable() || e.location == nil {
			continue
		}
		if now.Sub(e.lastHeartbeat) > r.freshness {
			continue
		}
		visible = append(visible, *e.location)
	}
	r.mu.RUnlock()

	r.bcast.NearbyDrivers(visible)
}

func (r *Registry) ensure(driverID uuid.UUID) *entry {
	e, ok := r.drivers[driverID]
	if !ok {
		e = &entry{availability: models.DriverOffline}
		r.drivers[driverID] = e
	}
	return e
}

func (r *Registry) snapshotLocked(id uuid.UUID, e *entry) Snapshot {
	s := Snapshot{
		DriverID:      id,
		Availability:  e.availability,
		LastHeartbeat: e.lastHeartbeat,
	}
	if e.location != nil {
		loc := *e.location
		s.Location = &loc
	}
	if e.currentOrder != nil {
		o := *e.currentOrder
		s.CurrentOrder = &o
	}
	return s
}

func (r *Registry) syncGeoIndex(ctx context.Context, driverID uuid.UUID, status models.DriverAvailability, loc *models.DriverLocation) {
	if r.redis == nil {
		return
	}
	if status.Dispatchable() && loc != nil {
		if err := r.redis.GeoAdd(ctx, driverGeoIndexKey, loc.Longitude, loc.Latitude, driverID.String()); err != nil {
			logger.WarnContext(ctx, "geo index update failed", zap.Error(err))
		}
		return
	}
	if !status.Dispatchable() {
		_ = r.redis.GeoRemove(ctx, driverGeoIndexKey, driverID.String())
	}
}
