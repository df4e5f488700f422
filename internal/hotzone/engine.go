package hotzone

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/eventbus"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// Store persists zone configs and quota counters.
type Store interface {
	ListActiveZones(ctx context.Context) ([]models.HotZone, error)
	UpsertQuota(ctx context.Context, quota models.ZoneQuota) error
}

// Admission is the result of a successful ticket reservation.
type Admission struct {
	ZoneName string
	Surge    float64
}

type counterKey struct {
	date string
	hour int
}

type counter struct {
	limit    int
	used     int
	maxSurge float64 // monotonic within the hour
}

// zoneState bundles one zone's config with its counters and overflow queue.
// Everything past the config is guarded by mu.
type zoneState struct {
	cfg models.HotZone

	mu       sync.Mutex
	counters map[counterKey]*counter
	queue    []*queueEntry
}

func (z *zoneState) counterFor(now time.Time) *counter {
	key := counterKey{date: now.Format("2006-01-02"), hour: now.Hour()}
	c, ok := z.counters[key]
	if !ok {
		c = &counter{limit: z.cfg.QuotaLimit(key.hour), maxSurge: 1.0}
		z.counters[key] = c
	}
	return c
}

// surgeFor reads the multiplier for the counter's current fill, keeping it
// monotonic until the hour rolls.
func (z *zoneState) surgeFor(c *counter) float64 {
	s := surgeMultiplier(c.used, c.limit, z.cfg.SurgeThreshold, z.cfg.SurgeStep, z.cfg.MaxSurgeMultiplier)
	if s < c.maxSurge {
		s = c.maxSurge
	}
	c.maxSurge = s
	return s
}

// Engine enforces per-zone hourly admission quotas and computes the surge
// multiplier applied to fares originating inside a zone.
type Engine struct {
	clk   clock.Clock
	store Store
	bus   *eventbus.Bus

	mu    sync.RWMutex
	zones []*zoneState
}

func NewEngine(clk clock.Clock, store Store, bus *eventbus.Bus) *Engine {
	return &Engine{clk: clk, store: store, bus: bus}
}

// Reload replaces the zone set from storage. Counters and queues of zones
// that survive the reload are kept.
func (e *Engine) Reload(ctx context.Context) error {
	configs, err := e.store.ListActiveZones(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := make(map[string]*zoneState, len(e.zones))
	for _, z := range e.zones {
		prev[z.cfg.ID.String()] = z
	}

	next := make([]*zoneState, 0, len(configs))
	for _, cfg := range configs {
		if old, ok := prev[cfg.ID.String()]; ok {
			old.mu.Lock()
			old.cfg = cfg
			old.mu.Unlock()
			next = append(next, old)
			continue
		}
		next = append(next, &zoneState{cfg: cfg, counters: make(map[counterKey]*counter)})
	}
	e.zones = next

	logger.Info("hot zones loaded", zap.Int("count", len(next)))
	return nil
}

// resolve returns the zone containing the point. Overlaps resolve on higher
// priority, then lower id.
func (e *Engine) resolve(lat, lng float64) *zoneState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *zoneState
	for _, z := range e.zones {
		if geo.DistanceKm(lat, lng, z.cfg.CenterLatitude, z.cfg.CenterLongitude) > z.cfg.RadiusKm {
			continue
		}
		if best == nil {
			best = z
			continue
		}
		if z.cfg.Priority > best.cfg.Priority {
			best = z
		} else if z.cfg.Priority == best.cfg.Priority &&
			bytes.Compare(z.cfg.ID[:], best.cfg.ID[:]) < 0 {
			best = z
		}
	}
	return best
}

// Check reports the zone status at the point without reserving anything.
// The second return is false when the point is outside every zone.
func (e *Engine) Check(lat, lng float64) (models.ZoneStatus, bool) {
	z := e.resolve(lat, lng)
	if z == nil {
		return models.ZoneStatus{}, false
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	c := z.counterFor(e.clk.Now())
	return models.ZoneStatus{
		ZoneName:    z.cfg.Name,
		Used:        c.used,
		Limit:       c.limit,
		Surge:       z.surgeFor(c),
		QueueLength: len(z.queue),
	}, true
}

// Status reports a named zone's current counter and surge. The second
// return is false for unknown zones.
func (e *Engine) Status(name string) (models.ZoneStatus, bool) {
	z := e.zoneByName(name)
	if z == nil {
		return models.ZoneStatus{}, false
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	c := z.counterFor(e.clk.Now())
	return models.ZoneStatus{
		ZoneName:    z.cfg.Name,
		Used:        c.used,
		Limit:       c.limit,
		Surge:       z.surgeFor(c),
		QueueLength: len(z.queue),
	}, true
}

// Reserve takes one ticket for a ride originating at the point. Outside any
// zone the admission is free with surge 1.0. When the counter is full the
// request is queued if the zone allows it and a waiter was supplied (the
// returned position is 1-based); otherwise the reservation fails ZONE_FULL.
func (e *Engine) Reserve(ctx context.Context, lat, lng float64, waiter Waiter) (*Admission, int, error) {
	z := e.resolve(lat, lng)
	if z == nil {
		return &Admission{Surge: 1.0}, 0, nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	now := e.clk.Now()
	c := z.counterFor(now)
	if c.used < c.limit {
		adm := e.admitLocked(ctx, z, c, now)
		return adm, 0, nil
	}

	if z.cfg.QueueEnabled && waiter != nil && len(z.queue) < z.cfg.MaxQueueSize {
		pos := e.enqueueLocked(z, waiter, now)
		return nil, pos, nil
	}

	e.publish(ctx, eventbus.SubjectZoneRejected, map[string]interface{}{
		"zone": z.cfg.Name, "used": c.used, "limit": c.limit,
	})
	return nil, 0, common.NewPolicyError(common.CodeZoneFull, "zone hourly quota exhausted")
}

// admitLocked consumes one ticket and prices the admission. Caller holds z.mu.
func (e *Engine) admitLocked(ctx context.Context, z *zoneState, c *counter, now time.Time) *Admission {
	surge := z.surgeFor(c)
	c.used++
	e.persistQuota(z, c, now)
	e.publish(ctx, eventbus.SubjectZoneAdmitted, map[string]interface{}{
		"zone": z.cfg.Name, "used": c.used, "limit": c.limit, "surge": surge,
	})
	return &Admission{ZoneName: z.cfg.Name, Surge: surge}
}

// Release returns a ticket after a pre-acceptance cancellation. The counter
// is the one for the instant the ride was admitted.
func (e *Engine) Release(ctx context.Context, zoneName string, admittedAt time.Time) {
	z := e.zoneByName(zoneName)
	if z == nil {
		return
	}

	z.mu.Lock()
	key := counterKey{date: admittedAt.Format("2006-01-02"), hour: admittedAt.Hour()}
	if c, ok := z.counters[key]; ok && c.used > 0 {
		c.used--
		e.persistQuota(z, c, admittedAt)
	}
	e.admitQueuedLocked(ctx, z)
	z.mu.Unlock()
}

func (e *Engine) zoneByName(name string) *zoneState {
	if name == "" {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, z := range e.zones {
		if z.cfg.Name == name {
			return z
		}
	}
	return nil
}

// persistQuota mirrors the counter to storage off the lock's critical path.
// Losing a write is tolerable; the counter of record is in memory.
func (e *Engine) persistQuota(z *zoneState, c *counter, at time.Time) {
	if e.store == nil {
		return
	}
	quota := models.ZoneQuota{
		ZoneID: z.cfg.ID,
		Date:   at.Format("2006-01-02"),
		Hour:   at.Hour(),
		Limit:  c.limit,
		Used:   c.used,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.UpsertQuota(ctx, quota); err != nil {
			logger.Warn("zone quota write failed",
				zap.String("zone", z.cfg.Name),
				zap.Int("hour", quota.Hour),
				zap.Error(err))
		}
	}()
}

func (e *Engine) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, subject, data)
}
