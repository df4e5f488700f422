package predictor

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// RecomputeStore is the storage surface the pattern recomputer needs.
type RecomputeStore interface {
	ActiveDriverIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	AcceptedOffers(ctx context.Context, driverID uuid.UUID, since time.Time) ([]OfferSample, error)
	RejectedOffers(ctx context.Context, driverID uuid.UUID, since time.Time) ([]OfferSample, error)
	RejectionEarnings(ctx context.Context, driverID uuid.UUID, since time.Time) ([]float64, error)
	UpsertPattern(ctx context.Context, p *models.DriverPattern) error
}

// Recomputer rebuilds driver_pattern snapshots from the accept/reject
// history. It runs as a scheduled batch, never on the dispatch hot path.
type Recomputer struct {
	store    RecomputeStore
	lookback time.Duration
}

func NewRecomputer(store RecomputeStore, lookback time.Duration) *Recomputer {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Recomputer{store: store, lookback: lookback}
}

// RecomputePatterns rebuilds the snapshot of every driver with activity in
// the lookback window. Per-driver failures are logged and skipped so one
// bad row cannot stall the batch.
func (rc *Recomputer) RecomputePatterns(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-rc.lookback)
	ids, err := rc.store.ActiveDriverIDs(ctx, since)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, id := range ids {
		if err := rc.recomputeOne(ctx, id, since, now); err != nil {
			logger.Warn("pattern recompute failed for driver",
				zap.String("driver_id", id.String()), zap.Error(err))
			continue
		}
		updated++
	}
	logger.Info("driver patterns recomputed",
		zap.Int("drivers", len(ids)), zap.Int("updated", updated))
	return updated, nil
}

func (rc *Recomputer) recomputeOne(ctx context.Context, driverID uuid.UUID, since, now time.Time) error {
	accepts, err := rc.store.AcceptedOffers(ctx, driverID, since)
	if err != nil {
		return err
	}
	rejects, err := rc.store.RejectedOffers(ctx, driverID, since)
	if err != nil {
		return err
	}
	earnings, err := rc.store.RejectionEarnings(ctx, driverID, since)
	if err != nil {
		return err
	}

	pattern := buildPattern(driverID, accepts, rejects, earnings, now)
	return rc.store.UpsertPattern(ctx, pattern)
}

// buildPattern derives a snapshot from raw observations. Pure, so tests can
// drive it directly.
func buildPattern(driverID uuid.UUID, accepts, rejects []OfferSample, rejectionEarnings []float64, now time.Time) *models.DriverPattern {
	type tally struct{ acc, total int }

	hourly := make(map[int]*tally)
	zones := make(map[string]*tally)
	buckets := [3]*tally{{}, {}, {}}

	observe := func(s OfferSample, accepted bool) {
		h, ok := hourly[s.Hour]
		if !ok {
			h = &tally{}
			hourly[s.Hour] = h
		}
		h.total++
		if s.Zone != "" {
			z, ok := zones[s.Zone]
			if !ok {
				z = &tally{}
				zones[s.Zone] = z
			}
			z.total++
			if accepted {
				z.acc++
			}
		}
		b := buckets[bucketIndex(s.TripKm)]
		b.total++
		if accepted {
			h.acc++
			b.acc++
		}
	}
	for _, s := range accepts {
		observe(s, true)
	}
	for _, s := range rejects {
		observe(s, false)
	}

	p := &models.DriverPattern{
		ID:               uuid.New(),
		DriverID:         driverID,
		HourlyAcceptance: make(map[int]float64, len(hourly)),
		ZoneAcceptance:   make(map[string]float64, len(zones)),
		DataPoints:       len(accepts) + len(rejects),
		CalculatedAt:     now,
	}
	for h, t := range hourly {
		p.HourlyAcceptance[h] = float64(t.acc) / float64(t.total)
	}
	for z, t := range zones {
		p.ZoneAcceptance[z] = float64(t.acc) / float64(t.total)
	}

	var sum, max float64
	n := 0
	for _, s := range accepts {
		if s.PickupKm <= 0 {
			continue
		}
		sum += s.PickupKm
		if s.PickupKm > max {
			max = s.PickupKm
		}
		n++
	}
	if n > 0 {
		p.AvgAcceptedDistance = sum / float64(n)
		p.MaxAcceptedDistance = max
	}

	rates := [3]float64{}
	for i, b := range buckets {
		if b.total > 0 {
			rates[i] = float64(b.acc) / float64(b.total)
		}
	}
	p.ShortTripRate, p.MediumTripRate, p.LongTripRate = rates[0], rates[1], rates[2]

	p.EarningsThreshold = earningsThreshold(rejectionEarnings)
	p.Tag = classify(rates)
	return p
}

func bucketIndex(tripKm float64) int {
	switch {
	case tripKm < shortTripMaxKm:
		return 0
	case tripKm < mediumTripMaxKm:
		return 1
	default:
		return 2
	}
}

// earningsThreshold is the 75th percentile of today-earnings across the
// driver's rejections: the level above which declining becomes common.
// Too few samples yields 0 (no threshold).
func earningsThreshold(earnings []float64) float64 {
	if len(earnings) < 4 {
		return 0
	}
	sorted := append([]float64(nil), earnings...)
	sort.Float64s(sorted)
	idx := (len(sorted) * 3) / 4
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// classify tags the driver by dominant trip-length preference; no strong
// preference means high-volume.
func classify(rates [3]float64) models.DriverTag {
	short, medium, long := rates[0], rates[1], rates[2]
	switch {
	case long > short && long > medium:
		return models.TagLongDistance
	case short > medium && short > long:
		return models.TagFastTurnover
	default:
		return models.TagHighVolume
	}
}
