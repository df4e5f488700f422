package predictor

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

type fakePatternStore struct {
	pattern *models.DriverPattern
	filters *models.DriverFilters
	err     error
}

func (s *fakePatternStore) GetPattern(ctx context.Context, driverID uuid.UUID) (*models.DriverPattern, error) {
	return s.pattern, s.err
}

func (s *fakePatternStore) GetFilters(ctx context.Context, driverID uuid.UUID) (*models.DriverFilters, error) {
	return s.filters, nil
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func basePattern() *models.DriverPattern {
	return &models.DriverPattern{
		DriverID:            uuid.New(),
		HourlyAcceptance:    map[int]float64{10: 0.9},
		ZoneAcceptance:      map[string]float64{"Station": 0.8},
		AvgAcceptedDistance: 2.0,
		MaxAcceptedDistance: 5.0,
		ShortTripRate:       0.5,
		MediumTripRate:      0.5,
		LongTripRate:        0.5,
		DataPoints:          100,
	}
}

func TestScoreNoDataUsesPrior(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)

	if got := p.Score(nil, OfferContext{Hour: 10}); !approx(got, 0.2) {
		t.Fatalf("nil pattern: got %v, want prior 0.2", got)
	}
	empty := &models.DriverPattern{DataPoints: 0}
	if got := p.Score(empty, OfferContext{Hour: 10}); !approx(got, 0.2) {
		t.Fatalf("empty pattern: got %v, want prior 0.2", got)
	}
}

func TestScoreHourlyBase(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()

	// hour with data: base 1-0.9, even buckets cancel
	offer := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 5.0}
	if got := p.Score(pattern, offer); !approx(got, 0.1) {
		t.Fatalf("known hour: got %v, want 0.1", got)
	}

	// hour without data falls back to the prior
	offer.Hour = 3
	if got := p.Score(pattern, offer); !approx(got, 0.2) {
		t.Fatalf("unknown hour: got %v, want 0.2", got)
	}
}

func TestScoreDistancePenalty(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()

	// 4 km over the 2 km average, normalized by max 5 km
	offer := OfferContext{Hour: 10, PickupDistanceKm: 6.0, TripDistanceKm: 5.0}
	if got := p.Score(pattern, offer); !approx(got, 0.1+4.0/5.0) {
		t.Fatalf("got %v, want %v", got, 0.1+4.0/5.0)
	}

	// closer than average: no penalty
	offer.PickupDistanceKm = 1.0
	if got := p.Score(pattern, offer); !approx(got, 0.1) {
		t.Fatalf("got %v, want 0.1", got)
	}
}

func TestScoreBucketPreference(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()
	pattern.LongTripRate = 0.9 // likes long trips
	pattern.ShortTripRate = 0.2

	long := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 15.0}
	if got := p.Score(pattern, long); !approx(got, 0.1+(0.5-0.9)) {
		t.Fatalf("long trip: got %v", got)
	}

	short := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 1.0}
	if got := p.Score(pattern, short); !approx(got, 0.1+(0.5-0.2)) {
		t.Fatalf("short trip: got %v", got)
	}
}

func TestScoreEarningsThreshold(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()
	pattern.EarningsThreshold = 2000

	offer := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 5.0, TodayEarnings: 2500}
	if got := p.Score(pattern, offer); !approx(got, 0.1+0.15) {
		t.Fatalf("above threshold: got %v, want 0.25", got)
	}

	offer.TodayEarnings = 1500
	if got := p.Score(pattern, offer); !approx(got, 0.1) {
		t.Fatalf("below threshold: got %v, want 0.1", got)
	}
}

func TestScoreZonePreference(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()

	offer := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 5.0, PickupZone: "Station"}
	// liked zone (0.8) lowers rejection by 0.3
	want := 0.1 - (0.8 - 0.5)
	if want < 0 {
		want = 0
	}
	if got := p.Score(pattern, offer); !approx(got, want) {
		t.Fatalf("liked zone: got %v, want %v", got, want)
	}
}

func TestScoreClamped(t *testing.T) {
	p := New(&fakePatternStore{}, 0.2, 0.15)
	pattern := basePattern()
	pattern.HourlyAcceptance[10] = 0.0
	pattern.ShortTripRate = 0.0
	pattern.EarningsThreshold = 1

	offer := OfferContext{Hour: 10, PickupDistanceKm: 20, TripDistanceKm: 1, TodayEarnings: 100}
	if got := p.Score(pattern, offer); got != 1.0 {
		t.Fatalf("expected clamp to 1.0, got %v", got)
	}
}

func TestAutoAcceptScore(t *testing.T) {
	store := &fakePatternStore{pattern: basePattern()}
	p := New(store, 0.2, 0.15)
	offer := OfferContext{Hour: 10, PickupDistanceKm: 1.0, TripDistanceKm: 5.0}

	if got := p.AutoAcceptScore(context.Background(), uuid.New(), offer); !approx(got, 90.0) {
		t.Fatalf("got %v, want 90", got)
	}

	// a disqualifying filter zeroes the score regardless of probability
	store.filters = &models.DriverFilters{MinFare: 500}
	offer.EstimatedFare = 100
	if got := p.AutoAcceptScore(context.Background(), uuid.New(), offer); got != 0 {
		t.Fatalf("filtered offer should score 0, got %v", got)
	}
}

func TestPassesFilters(t *testing.T) {
	offer := OfferContext{
		Hour:             10,
		PickupDistanceKm: 3,
		TripDistanceKm:   8,
		EstimatedFare:    300,
		PickupZone:       "Station",
	}

	tests := []struct {
		name    string
		filters *models.DriverFilters
		want    bool
	}{
		{"nil filters", nil, true},
		{"all pass", &models.DriverFilters{MaxPickupDistanceKm: 5, MinFare: 100, MinTripDistanceKm: 2}, true},
		{"pickup too far", &models.DriverFilters{MaxPickupDistanceKm: 2}, false},
		{"fare too low", &models.DriverFilters{MinFare: 500}, false},
		{"trip too short", &models.DriverFilters{MinTripDistanceKm: 10}, false},
		{"outside active hours", &models.DriverFilters{ActiveHours: []int{20, 21}}, false},
		{"inside active hours", &models.DriverFilters{ActiveHours: []int{9, 10}}, true},
		{"blacklisted zone", &models.DriverFilters{BlacklistedZones: []string{"Station"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := passesFilters(tt.filters, offer); got != tt.want {
				t.Errorf("passesFilters = %v, want %v", got, tt.want)
			}
		})
	}
}
