package models

import (
	"time"

	"github.com/google/uuid"
)

// HotZone is a configured admission-control zone. Membership is by
// great-circle distance to the center; overlaps resolve on priority,
// then lower id.
type HotZone struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	CenterLatitude      float64   `json:"center_lat" db:"center_lat"`
	CenterLongitude     float64   `json:"center_lng" db:"center_lng"`
	RadiusKm            float64   `json:"radius_km" db:"radius_km"`
	PeakHours           []int     `json:"peak_hours" db:"peak_hours"`
	QuotaNormal         int       `json:"quota_normal" db:"quota_normal"`
	QuotaPeak           int       `json:"quota_peak" db:"quota_peak"`
	SurgeThreshold      float64   `json:"surge_threshold" db:"surge_threshold"`
	MaxSurgeMultiplier  float64   `json:"max_surge_multiplier" db:"max_surge_multiplier"`
	SurgeStep           float64   `json:"surge_step" db:"surge_step"`
	QueueEnabled        bool      `json:"queue_enabled" db:"queue_enabled"`
	MaxQueueSize        int       `json:"max_queue_size" db:"max_queue_size"`
	QueueTimeoutMinutes int       `json:"queue_timeout_minutes" db:"queue_timeout_minutes"`
	Active              bool      `json:"active" db:"active"`
	Priority            int       `json:"priority" db:"priority"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// QuotaLimit returns the effective ticket limit for the given hour.
func (z *HotZone) QuotaLimit(hour int) int {
	for _, h := range z.PeakHours {
		if h == hour {
			return z.QuotaPeak
		}
	}
	return z.QuotaNormal
}

// ZoneQuota is the per-zone per-(date,hour) ticket counter.
type ZoneQuota struct {
	ZoneID uuid.UUID `json:"zone_id" db:"zone_id"`
	Date   string    `json:"date" db:"date"` // YYYY-MM-DD
	Hour   int       `json:"hour" db:"hour"`
	Limit  int       `json:"limit_effective" db:"limit_effective"`
	Used   int       `json:"used" db:"used"`
}

// ZoneStatus is a consistent (used, limit, surge, queue) snapshot.
type ZoneStatus struct {
	ZoneName    string  `json:"zone_name"`
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Surge       float64 `json:"surge"`
	QueueLength int     `json:"queue_length"`
}
