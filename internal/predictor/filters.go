package predictor

import "github.com/eastrift/fleet-dispatch/pkg/models"

// passesFilters applies the driver's auto-accept rules to an offer. A nil
// filter set passes everything. Zero-valued thresholds are unset.
func passesFilters(f *models.DriverFilters, offer OfferContext) bool {
	if f == nil {
		return true
	}
	if f.MaxPickupDistanceKm > 0 && offer.PickupDistanceKm > f.MaxPickupDistanceKm {
		return false
	}
	if f.MinFare > 0 && offer.EstimatedFare < f.MinFare {
		return false
	}
	if f.MinTripDistanceKm > 0 && offer.TripDistanceKm < f.MinTripDistanceKm {
		return false
	}
	if len(f.ActiveHours) > 0 && !containsInt(f.ActiveHours, offer.Hour) {
		return false
	}
	if offer.PickupZone != "" && containsString(f.BlacklistedZones, offer.PickupZone) {
		return false
	}
	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
