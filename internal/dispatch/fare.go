package dispatch

import "math"

// flag-fall and distance rates for the fare quote
const (
	baseFare     = 85.0
	farePerKm    = 25.0
	minimumFare  = 100.0
)

// EstimateFare quotes a fare for the trip distance with the zone surge
// applied. Quotes round to whole currency units. A ride without a
// destination quotes the surged minimum.
func EstimateFare(distanceMeters int, surge float64) float64 {
	if surge < 1 {
		surge = 1
	}
	fare := baseFare + farePerKm*float64(distanceMeters)/1000.0
	if fare < minimumFare {
		fare = minimumFare
	}
	return math.Round(fare * surge)
}
