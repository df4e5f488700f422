package predictor

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

func TestBuildPattern(t *testing.T) {
	driverID := uuid.New()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	accepts := []OfferSample{
		{Hour: 10, Zone: "Station", PickupKm: 1.0, TripKm: 2.0},
		{Hour: 10, Zone: "Station", PickupKm: 3.0, TripKm: 12.0},
		{Hour: 18, Zone: "", PickupKm: 2.0, TripKm: 5.0},
	}
	rejects := []OfferSample{
		{Hour: 10, Zone: "Harbor", PickupKm: 6.0, TripKm: 4.0},
	}

	p := buildPattern(driverID, accepts, rejects, nil, now)

	if p.DriverID != driverID || p.DataPoints != 4 {
		t.Fatalf("header wrong: %+v", p)
	}
	if got := p.HourlyAcceptance[10]; !approx(got, 2.0/3.0) {
		t.Errorf("hour 10 acceptance = %v, want 2/3", got)
	}
	if got := p.HourlyAcceptance[18]; !approx(got, 1.0) {
		t.Errorf("hour 18 acceptance = %v, want 1", got)
	}
	if got := p.ZoneAcceptance["Station"]; !approx(got, 1.0) {
		t.Errorf("Station acceptance = %v, want 1", got)
	}
	if got := p.ZoneAcceptance["Harbor"]; !approx(got, 0.0) {
		t.Errorf("Harbor acceptance = %v, want 0", got)
	}
	if !approx(p.AvgAcceptedDistance, 2.0) || !approx(p.MaxAcceptedDistance, 3.0) {
		t.Errorf("distance stats = (%v, %v), want (2, 3)", p.AvgAcceptedDistance, p.MaxAcceptedDistance)
	}
	// short: 1 accept / 1 total; medium: 1 accept + 1 reject; long: 1 accept
	if !approx(p.ShortTripRate, 1.0) || !approx(p.MediumTripRate, 0.5) || !approx(p.LongTripRate, 1.0) {
		t.Errorf("bucket rates = (%v, %v, %v)", p.ShortTripRate, p.MediumTripRate, p.LongTripRate)
	}
	if p.EarningsThreshold != 0 {
		t.Errorf("threshold should be 0 with no earnings samples, got %v", p.EarningsThreshold)
	}
	if !p.CalculatedAt.Equal(now) {
		t.Errorf("calculated_at = %v", p.CalculatedAt)
	}
}

func TestEarningsThreshold(t *testing.T) {
	if got := earningsThreshold([]float64{100, 200}); got != 0 {
		t.Fatalf("too few samples should yield 0, got %v", got)
	}
	if got := earningsThreshold([]float64{400, 100, 300, 200}); got != 400 {
		t.Fatalf("p75 of 4 samples = %v, want 400", got)
	}
	if got := earningsThreshold([]float64{10, 20, 30, 40, 50, 60, 70, 80}); got != 70 {
		t.Fatalf("p75 of 8 samples = %v, want 70", got)
	}
}

func TestClassify(t *testing.T) {
	if got := classify([3]float64{0.9, 0.4, 0.3}); got != models.TagFastTurnover {
		t.Errorf("short-dominant = %v", got)
	}
	if got := classify([3]float64{0.2, 0.4, 0.9}); got != models.TagLongDistance {
		t.Errorf("long-dominant = %v", got)
	}
	if got := classify([3]float64{0.5, 0.5, 0.5}); got != models.TagHighVolume {
		t.Errorf("even = %v", got)
	}
}
