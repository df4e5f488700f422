package predictor

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// trip-distance buckets, in km
const (
	shortTripMaxKm  = 3.0
	mediumTripMaxKm = 10.0
)

// OfferContext carries the features of a prospective offer.
type OfferContext struct {
	PickupDistanceKm float64
	TripDistanceKm   float64
	EstimatedFare    float64
	Hour             int
	Day              int
	PickupZone       string // "" for OTHER
	TodayEarnings    float64
	TodayTrips       int
	TodayOnlineHours float64
}

// PatternStore reads pattern snapshots from storage.
type PatternStore interface {
	GetPattern(ctx context.Context, driverID uuid.UUID) (*models.DriverPattern, error)
	GetFilters(ctx context.Context, driverID uuid.UUID) (*models.DriverFilters, error)
}

// Predictor estimates how likely a driver is to reject a given offer, from
// the driver's recomputed pattern snapshot. It is deterministic: the same
// pattern and offer always yield the same probability.
type Predictor struct {
	store           PatternStore
	prior           float64
	earningsPenalty float64
}

func New(store PatternStore, prior, earningsPenalty float64) *Predictor {
	return &Predictor{store: store, prior: prior, earningsPenalty: earningsPenalty}
}

// RejectionProbability returns a probability in [0,1] that the driver
// declines the offer. Storage trouble degrades to the prior rather than
// failing the dispatch.
func (p *Predictor) RejectionProbability(ctx context.Context, driverID uuid.UUID, offer OfferContext) float64 {
	pattern, err := p.store.GetPattern(ctx, driverID)
	if err != nil {
		logger.Warn("pattern read failed, using prior",
			zap.String("driver_id", driverID.String()), zap.Error(err))
		return p.prior
	}
	return p.Score(pattern, offer)
}

// Score evaluates the piecewise model against a pattern snapshot. A nil or
// empty pattern scores at the prior.
func (p *Predictor) Score(pattern *models.DriverPattern, offer OfferContext) float64 {
	if pattern == nil || pattern.DataPoints == 0 {
		return clamp01(p.prior)
	}

	prob := p.prior
	if rate, ok := pattern.HourlyAcceptance[offer.Hour]; ok {
		prob = 1 - rate
	}

	// pickups farther than this driver usually accepts
	if pattern.MaxAcceptedDistance > 0 || pattern.AvgAcceptedDistance > 0 {
		over := offer.PickupDistanceKm - pattern.AvgAcceptedDistance
		if over > 0 {
			denom := pattern.MaxAcceptedDistance
			if denom < 1 {
				denom = 1
			}
			prob += over / denom
		}
	}

	// centered bucket preference: below-even acceptance in the trip's
	// length bucket raises rejection, above-even lowers it
	prob += 0.5 - bucketRate(pattern, offer.TripDistanceKm)

	if pattern.EarningsThreshold > 0 && offer.TodayEarnings > pattern.EarningsThreshold {
		prob += p.earningsPenalty
	}

	if offer.PickupZone != "" {
		if zoneRate, ok := pattern.ZoneAcceptance[offer.PickupZone]; ok {
			prob -= zoneRate - 0.5
		}
	}

	return clamp01(prob)
}

// Evaluation bundles everything candidate scoring needs from one pattern read.
type Evaluation struct {
	RejectionProb  float64
	AutoAccept     float64
	ZonePreference float64 // acceptance rate at the pickup zone, 0.5 when unknown
}

// Evaluate reads the driver's pattern and filters once and derives the
// rejection probability, auto-accept score, and zone preference together.
func (p *Predictor) Evaluate(ctx context.Context, driverID uuid.UUID, offer OfferContext) Evaluation {
	pattern, err := p.store.GetPattern(ctx, driverID)
	if err != nil {
		logger.Warn("pattern read failed, using prior",
			zap.String("driver_id", driverID.String()), zap.Error(err))
		pattern = nil
	}
	prob := p.Score(pattern, offer)

	ev := Evaluation{RejectionProb: prob, ZonePreference: 0.5}
	if pattern != nil && offer.PickupZone != "" {
		if rate, ok := pattern.ZoneAcceptance[offer.PickupZone]; ok {
			ev.ZonePreference = rate
		}
	}

	filters, err := p.store.GetFilters(ctx, driverID)
	if err != nil {
		filters = nil
	}
	if passesFilters(filters, offer) {
		ev.AutoAccept = 100 * (1 - prob)
	}
	return ev
}

// AutoAcceptScore returns the 0..100 convenience score the driver client
// uses to decide automatic acceptance. Any disqualifying filter zeroes it.
func (p *Predictor) AutoAcceptScore(ctx context.Context, driverID uuid.UUID, offer OfferContext) float64 {
	prob := p.RejectionProbability(ctx, driverID, offer)

	filters, err := p.store.GetFilters(ctx, driverID)
	if err != nil {
		logger.Warn("filter read failed, scoring without filters",
			zap.String("driver_id", driverID.String()), zap.Error(err))
		filters = nil
	}
	if !passesFilters(filters, offer) {
		return 0
	}
	return 100 * (1 - prob)
}

func bucketRate(pattern *models.DriverPattern, tripKm float64) float64 {
	switch {
	case tripKm < shortTripMaxKm:
		return pattern.ShortTripRate
	case tripKm < mediumTripMaxKm:
		return pattern.MediumTripRate
	default:
		return pattern.LongTripRate
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
