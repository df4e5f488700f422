package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/eastrift/fleet-dispatch/pkg/redis"
)

// Estimate is a distance/duration pair for one origin-destination-hour key.
type Estimate struct {
	DistanceMeters           int    `json:"distance_meters"`
	DurationSeconds          int    `json:"duration_seconds"`
	DurationInTrafficSeconds int    `json:"duration_in_traffic_seconds"`
	Source                   string `json:"source"` // "provider" or "great_circle"
}

type cachedEntry struct {
	Estimate
	CachedAt time.Time `json:"cached_at"`
}

// Service answers ETA lookups from a Redis cache keyed by quantized
// coordinates and hour-of-day. Misses consult the routing provider when one
// is configured, falling back to great-circle distance at a configured
// average speed. Expired entries age out via the key TTL.
type Service struct {
	cache        redis.ClientInterface
	provider     *Provider // nil when routing is disabled
	clk          clock.Clock
	ttl          time.Duration
	quantization float64
	avgSpeedKmh  float64
}

func NewService(cache redis.ClientInterface, provider *Provider, clk clock.Clock, ttl time.Duration, quantization, avgSpeedKmh float64) *Service {
	return &Service{
		cache:        cache,
		provider:     provider,
		clk:          clk,
		ttl:          ttl,
		quantization: quantization,
		avgSpeedKmh:  avgSpeedKmh,
	}
}

// cacheKey quantizes both endpoints so nearby lookups share an entry.
func (s *Service) cacheKey(origin, dest models.GeoPoint, hour int) string {
	return fmt.Sprintf("eta:%.4f:%.4f:%.4f:%.4f:%d",
		geo.Quantize(origin.Latitude, s.quantization),
		geo.Quantize(origin.Longitude, s.quantization),
		geo.Quantize(dest.Latitude, s.quantization),
		geo.Quantize(dest.Longitude, s.quantization),
		hour,
	)
}

// Lookup returns the estimate for the pair at the current hour. It never
// fails: provider trouble degrades to the great-circle estimate.
func (s *Service) Lookup(ctx context.Context, origin, dest models.GeoPoint) Estimate {
	key := s.cacheKey(origin, dest, s.clk.Now().Hour())

	if raw, err := s.cache.GetString(ctx, key); err == nil {
		var entry cachedEntry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			s.recordHit(ctx, key)
			return entry.Estimate
		}
		logger.Warn("eta cache entry corrupt, dropping", zap.String("key", key))
		_ = s.cache.Delete(ctx, key)
	} else if !errors.Is(err, goredis.Nil) {
		logger.Warn("eta cache read failed", zap.String("key", key), zap.Error(err))
	}

	est := s.estimate(ctx, origin, dest)
	s.store(ctx, key, est)
	return est
}

func (s *Service) estimate(ctx context.Context, origin, dest models.GeoPoint) Estimate {
	if s.provider != nil {
		if est, err := s.provider.Estimate(ctx, origin, dest); err == nil {
			return est
		} else {
			logger.Warn("routing provider unavailable, using great circle", zap.Error(err))
		}
	}
	return s.greatCircle(origin, dest)
}

func (s *Service) greatCircle(origin, dest models.GeoPoint) Estimate {
	km := geo.DistanceKm(origin.Latitude, origin.Longitude, dest.Latitude, dest.Longitude)
	secs := geo.TravelSeconds(km, s.avgSpeedKmh)
	return Estimate{
		DistanceMeters:           int(km * 1000),
		DurationSeconds:          secs,
		DurationInTrafficSeconds: secs,
		Source:                   "great_circle",
	}
}

func (s *Service) store(ctx context.Context, key string, est Estimate) {
	entry := cachedEntry{Estimate: est, CachedAt: s.clk.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.cache.SetWithExpiration(ctx, key, string(raw), s.ttl); err != nil {
		logger.Warn("eta cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// recordHit bumps the sibling hit counter, expiring with the entry.
func (s *Service) recordHit(ctx context.Context, key string) {
	hitsKey := key + ":hits"
	if _, err := s.cache.Incr(ctx, hitsKey); err != nil {
		return
	}
	_ = s.cache.Expire(ctx, hitsKey, s.ttl)
}
