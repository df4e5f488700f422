package dispatch

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// normalization ceilings for the distance and ETA features
const (
	maxEtaSeconds = 1800.0
)

// Candidate is one scored driver, carried through the wave and into the
// dispatch log.
type Candidate struct {
	DriverID       uuid.UUID
	Name           string
	Rating         float64
	Location       models.DriverLocation
	PickupKm       float64
	EtaSeconds     int
	RejectionProb  float64
	AutoAccept     float64
	TodayEarnings  float64
	ZonePreference float64
	Score          float64
	Reason         string
}

// scoreInputs bundles the cross-candidate context a single scoring pass needs.
type scoreInputs struct {
	weights      models.ScoreWeights
	radiusCapKm  float64
	fleetAvgEarn float64
}

// scoreCandidate computes the weighted sum over the six features, each
// normalized to [0,1] with higher meaning better.
func scoreCandidate(c *Candidate, in scoreInputs) float64 {
	distance := 1 - clampRatio(c.PickupKm, in.radiusCapKm)
	eta := 1 - clampRatio(float64(c.EtaSeconds), maxEtaSeconds)
	accept := 1 - c.RejectionProb

	earnings := 0.5
	if in.fleetAvgEarn > 0 {
		earnings = clamp01(0.5 + (in.fleetAvgEarn-c.TodayEarnings)/(2*in.fleetAvgEarn))
	}

	rating := clamp01(c.Rating / 5.0)

	w := in.weights
	return w.PickupDistance*distance +
		w.PredictedEta*eta +
		w.RejectionProb*accept +
		w.EarningsBalance*earnings +
		w.ZonePreference*c.ZonePreference +
		w.Rating*rating
}

// rankCandidates orders best-first. Ties break on rating, then on lower id,
// so the ordering is stable across runs.
func rankCandidates(cands []*Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return bytes.Compare(a.DriverID[:], b.DriverID[:]) < 0
	})
}

func clampRatio(v, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp01(v / ceiling)
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
