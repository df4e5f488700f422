package models

import (
	"time"

	"github.com/google/uuid"
)

// DriverAvailability represents a driver's current availability
type DriverAvailability string

const (
	DriverOffline   DriverAvailability = "offline"
	DriverRest      DriverAvailability = "rest"
	DriverAvailable DriverAvailability = "available"
	DriverOnTrip    DriverAvailability = "on_trip"
	DriverBlocked   DriverAvailability = "blocked"
)

// Dispatchable reports whether the availability admits new offers.
func (a DriverAvailability) Dispatchable() bool {
	return a == DriverAvailable
}

// DriverTag classifies a driver's working pattern
type DriverTag string

const (
	TagFastTurnover DriverTag = "fast_turnover"
	TagLongDistance DriverTag = "long_distance"
	TagHighVolume   DriverTag = "high_volume"
)

// Driver represents a fleet driver
type Driver struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	Name             string             `json:"name" db:"name"`
	Phone            string             `json:"phone" db:"phone"`
	Plate            string             `json:"plate" db:"plate"`
	Availability     DriverAvailability `json:"availability" db:"availability"`
	IsBlocked        bool               `json:"is_blocked" db:"is_blocked"`
	BlockReason      *string            `json:"block_reason,omitempty" db:"block_reason"`
	Rating           float64            `json:"rating" db:"rating"`
	TotalTrips       int                `json:"total_trips" db:"total_trips"`
	TotalEarnings    float64            `json:"total_earnings" db:"total_earnings"`
	AcceptanceRate   float64            `json:"acceptance_rate" db:"acceptance_rate"`
	Tag              DriverTag          `json:"tag" db:"tag"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// DriverLocation is a driver's last known geographic point
type DriverLocation struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Speed     float64   `json:"speed,omitempty"`
	Bearing   float64   `json:"bearing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverDayStats summarizes a driver's current-day activity, used for
// earnings balancing and predictor features.
type DriverDayStats struct {
	DriverID    uuid.UUID `json:"driver_id"`
	Earnings    float64   `json:"earnings"`
	Trips       int       `json:"trips"`
	OnlineHours float64   `json:"online_hours"`
}
