package models

import (
	"time"

	"github.com/google/uuid"
)

// RejectReason enumerates why a driver declined an offer
type RejectReason string

const (
	RejectTooFar       RejectReason = "too_far"
	RejectLowFare      RejectReason = "low_fare"
	RejectUnwantedArea RejectReason = "unwanted_area"
	RejectOffDuty      RejectReason = "off_duty"
	RejectBusy         RejectReason = "busy"
	RejectTimeout      RejectReason = "timeout"
	RejectOther        RejectReason = "other"
)

// DispatchCandidate is one scored driver within a wave, persisted as part
// of the dispatch log so outcomes can be correlated to the weights in force.
type DispatchCandidate struct {
	DriverID      uuid.UUID `json:"driver_id"`
	Score         float64   `json:"score"`
	PredictedEta  int       `json:"predicted_eta_seconds"`
	RejectionProb float64   `json:"rejection_probability"`
	Reason        string    `json:"reason"`
}

// ScoreWeights holds the candidate-scoring weight configuration. A snapshot
// is written with every dispatch log row.
type ScoreWeights struct {
	PickupDistance  float64 `json:"pickup_distance"`
	PredictedEta    float64 `json:"predicted_eta"`
	RejectionProb   float64 `json:"rejection_probability"`
	EarningsBalance float64 `json:"earnings_balance"`
	ZonePreference  float64 `json:"zone_preference"`
	Rating          float64 `json:"rating"`
}

// DefaultScoreWeights returns equal weighting across the six features.
func DefaultScoreWeights() ScoreWeights {
	const w = 1.0 / 6.0
	return ScoreWeights{
		PickupDistance:  w,
		PredictedEta:    w,
		RejectionProb:   w,
		EarningsBalance: w,
		ZonePreference:  w,
		Rating:          w,
	}
}

// DispatchLog records a single offer wave, written once per wave.
type DispatchLog struct {
	ID           uuid.UUID           `json:"id" db:"id"`
	OrderID      uuid.UUID           `json:"order_id" db:"order_id"`
	WaveNumber   int                 `json:"wave_number" db:"wave_number"`
	Candidates   []DispatchCandidate `json:"candidates" db:"candidates"`
	Weights      ScoreWeights        `json:"weights" db:"weights"`
	AcceptedBy   *uuid.UUID          `json:"accepted_by,omitempty" db:"accepted_by"`
	AcceptedAt   *time.Time          `json:"accepted_at,omitempty" db:"accepted_at"`
	ResponseMs   *int64              `json:"response_ms,omitempty" db:"response_ms"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
}

// RejectionFeatures is the feature snapshot captured with every rejection,
// the predictor's training input.
type RejectionFeatures struct {
	PickupDistanceKm float64 `json:"pickup_distance_km"`
	TripDistanceKm   float64 `json:"trip_distance_km"`
	EstimatedFare    float64 `json:"estimated_fare"`
	Hour             int     `json:"hour"`
	Day              int     `json:"day"`
	TodayEarnings    float64 `json:"today_earnings"`
	TodayTrips       int     `json:"today_trips"`
	TodayOnlineHours float64 `json:"today_online_hours"`
}

// Rejection is an append-only record of a declined or timed-out offer.
type Rejection struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	OrderID    uuid.UUID         `json:"order_id" db:"order_id"`
	DriverID   uuid.UUID         `json:"driver_id" db:"driver_id"`
	Reason     RejectReason      `json:"reason" db:"reason"`
	Features   RejectionFeatures `json:"features" db:"features"`
	OfferedAt  time.Time         `json:"offered_at" db:"offered_at"`
	RejectedAt time.Time         `json:"rejected_at" db:"rejected_at"`
	ResponseMs int64             `json:"response_ms" db:"response_ms"`
}

// DriverPattern is the per-driver acceptance-behavior snapshot read on the
// hot path and recomputed offline from the rejection stream.
type DriverPattern struct {
	ID                  uuid.UUID          `json:"id" db:"id"`
	DriverID            uuid.UUID          `json:"driver_id" db:"driver_id"`
	HourlyAcceptance    map[int]float64    `json:"hourly_acceptance" db:"hourly_acceptance"`
	ZoneAcceptance      map[string]float64 `json:"zone_acceptance" db:"zone_acceptance"`
	AvgAcceptedDistance float64            `json:"avg_accepted_distance" db:"avg_accepted_distance"`
	MaxAcceptedDistance float64            `json:"max_accepted_distance" db:"max_accepted_distance"`
	ShortTripRate       float64            `json:"short_trip_rate" db:"short_trip_rate"`
	MediumTripRate      float64            `json:"medium_trip_rate" db:"medium_trip_rate"`
	LongTripRate        float64            `json:"long_trip_rate" db:"long_trip_rate"`
	EarningsThreshold   float64            `json:"earnings_threshold" db:"earnings_threshold"`
	Tag                 DriverTag          `json:"tag" db:"tag"`
	DataPoints          int                `json:"data_points" db:"data_points"`
	CalculatedAt        time.Time          `json:"calculated_at" db:"calculated_at"`
}

// DriverFilters are the driver-side auto-accept rules. Any disqualifying
// rule zeroes the auto-accept score.
type DriverFilters struct {
	MaxPickupDistanceKm float64  `json:"max_pickup_distance_km"`
	MinFare             float64  `json:"min_fare"`
	MinTripDistanceKm   float64  `json:"min_trip_distance_km"`
	ActiveHours         []int    `json:"active_hours,omitempty"`
	BlacklistedZones    []string `json:"blacklisted_zones,omitempty"`
}
