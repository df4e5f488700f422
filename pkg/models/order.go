package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the status of a ride order
type OrderStatus string

const (
	OrderStatusOffered   OrderStatus = "offered"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusArrived   OrderStatus = "arrived"
	OrderStatusOnTrip    OrderStatus = "on_trip"
	OrderStatusSettling  OrderStatus = "settling"
	OrderStatusDone      OrderStatus = "done"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDone || s == OrderStatusCancelled
}

// PaymentType represents how the passenger pays the driver
type PaymentType string

const (
	PaymentCash             PaymentType = "cash"
	PaymentLoveCardPhysical PaymentType = "love_card_physical"
	PaymentOther            PaymentType = "other"
)

// ValidPaymentType reports whether t is a known payment kind.
func ValidPaymentType(t PaymentType) bool {
	switch t {
	case PaymentCash, PaymentLoveCardPhysical, PaymentOther:
		return true
	}
	return false
}

// CancelActor identifies who cancelled an order
type CancelActor string

const (
	CancelByPassenger CancelActor = "passenger"
	CancelByDriver    CancelActor = "driver"
	CancelByAdmin     CancelActor = "admin"
	CancelBySystem    CancelActor = "system"
)

// Order represents a ride order in the system
type Order struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	PassengerID      uuid.UUID   `json:"passenger_id" db:"passenger_id"`
	DriverID         *uuid.UUID  `json:"driver_id,omitempty" db:"driver_id"`
	Status           OrderStatus `json:"status" db:"status"`
	PickupLatitude   float64     `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude  float64     `json:"pickup_longitude" db:"pickup_longitude"`
	PickupAddress    string      `json:"pickup_address" db:"pickup_address"`
	DropoffLatitude  *float64    `json:"dropoff_latitude,omitempty" db:"dropoff_latitude"`
	DropoffLongitude *float64    `json:"dropoff_longitude,omitempty" db:"dropoff_longitude"`
	DropoffAddress   *string     `json:"dropoff_address,omitempty" db:"dropoff_address"`
	PaymentType      PaymentType `json:"payment_type" db:"payment_type"`
	EstimatedFare    float64     `json:"estimated_fare" db:"estimated_fare"`
	MeterAmount      *float64    `json:"meter_amount,omitempty" db:"meter_amount"`
	ActualDistance   *float64    `json:"actual_distance,omitempty" db:"actual_distance"`
	ActualDuration   *int        `json:"actual_duration,omitempty" db:"actual_duration"`
	PhotoURL         *string     `json:"photo_url,omitempty" db:"photo_url"`
	SurgeMultiplier  float64     `json:"surge_multiplier" db:"surge_multiplier"`
	PickupDistance   *float64    `json:"pickup_distance_km,omitempty" db:"pickup_distance_km"`
	ZoneName         *string     `json:"zone_name,omitempty" db:"zone_name"`
	RejectCount      int         `json:"reject_count" db:"reject_count"`
	DispatchBatch    int         `json:"dispatch_batch" db:"dispatch_batch"`
	DispatchMethod   string      `json:"dispatch_method" db:"dispatch_method"`
	HourOfDay        int         `json:"hour_of_day" db:"hour_of_day"`
	DayOfWeek        int         `json:"day_of_week" db:"day_of_week"`
	CancelReason     *string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelledBy      *string     `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	OfferedAt        *time.Time  `json:"offered_at,omitempty" db:"offered_at"`
	AcceptedAt       *time.Time  `json:"accepted_at,omitempty" db:"accepted_at"`
	ArrivedAt        *time.Time  `json:"arrived_at,omitempty" db:"arrived_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt      *time.Time  `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Rating           *int        `json:"rating,omitempty" db:"rating"`
}

// RideRequest represents an incoming ride request from a passenger
type RideRequest struct {
	PassengerID    uuid.UUID   `json:"passenger_id"`
	PassengerName  string      `json:"passenger_name"`
	PassengerPhone string      `json:"passenger_phone" binding:"required,phone"`
	Pickup         GeoPoint    `json:"pickup" binding:"required"`
	Destination    *GeoPoint   `json:"destination,omitempty"`
	PaymentType    PaymentType `json:"payment_type"`
}

// GeoPoint is a coordinate pair with an optional human-readable address.
// Callers supply address strings; the core never geocodes.
type GeoPoint struct {
	Latitude  float64 `json:"lat" binding:"required,latitude"`
	Longitude float64 `json:"lng" binding:"required,longitude"`
	Address   string  `json:"address"`
}

// Valid reports whether the coordinates are in range.
func (p GeoPoint) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// TripSettlement carries the driver-supplied meter data at trip end
type TripSettlement struct {
	MeterAmount float64 `json:"meter_amount"`
	Distance    float64 `json:"distance"`
	Duration    int     `json:"duration"`
	PhotoURL    *string `json:"photo_url,omitempty"`
}
