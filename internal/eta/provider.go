package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/httpclient"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/eastrift/fleet-dispatch/pkg/resilience"
)

// Provider calls an external routing service for road-network estimates.
// Calls run through a circuit breaker so a flapping provider degrades to
// the great-circle path instead of slowing every dispatch.
type Provider struct {
	client  *httpclient.Client
	breaker *resilience.CircuitBreaker
}

type routeResponse struct {
	DistanceMeters           int `json:"distance_meters"`
	DurationSeconds          int `json:"duration_seconds"`
	DurationInTrafficSeconds int `json:"duration_in_traffic_seconds"`
}

func NewProvider(baseURL string, timeout time.Duration) *Provider {
	return &Provider{
		client: httpclient.NewClient(baseURL, timeout),
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "routing-provider",
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}, nil),
	}
}

// Estimate fetches a road-network estimate for the pair.
func (p *Provider) Estimate(ctx context.Context, origin, dest models.GeoPoint) (Estimate, error) {
	path := fmt.Sprintf("/route?origin_lat=%f&origin_lng=%f&dest_lat=%f&dest_lng=%f",
		origin.Latitude, origin.Longitude, dest.Latitude, dest.Longitude)

	result, err := p.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		body, err := p.client.Get(ctx, path, nil)
		if err != nil {
			return nil, err
		}
		var resp routeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode route response: %w", err)
		}
		return resp, nil
	})
	if err != nil {
		return Estimate{}, err
	}

	resp := result.(routeResponse)
	traffic := resp.DurationInTrafficSeconds
	if traffic == 0 {
		traffic = resp.DurationSeconds
	}
	return Estimate{
		DistanceMeters:           resp.DistanceMeters,
		DurationSeconds:          resp.DurationSeconds,
		DurationInTrafficSeconds: traffic,
		Source:                   "provider",
	}, nil
}
