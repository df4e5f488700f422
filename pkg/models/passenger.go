package models

import (
	"time"

	"github.com/google/uuid"
)

// Passenger represents a rider. Passengers are unique by phone; a second
// login with the same phone rebinds to the existing record.
type Passenger struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Phone      string    `json:"phone" db:"phone"`
	Name       string    `json:"name" db:"name"`
	Email      *string   `json:"email,omitempty" db:"email"`
	IsBlocked  bool      `json:"is_blocked" db:"is_blocked"`
	Rating     float64   `json:"rating" db:"rating"`
	TotalTrips int       `json:"total_trips" db:"total_trips"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
