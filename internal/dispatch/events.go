package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/eastrift/fleet-dispatch/pkg/websocket"
)

// Notifier is the push surface the orchestrator speaks to drivers and
// passengers through. Delivery is at-most-once; a false return means the
// peer is gone and the caller does its own bookkeeping.
type Notifier interface {
	OfferToDriver(driverID uuid.UUID, offer OfferPayload) bool
	CancelToDriver(driverID, orderID uuid.UUID, reason string)
	UpdateToDriver(driverID uuid.UUID, order *models.Order)
	OrderUpdateToPassenger(passengerID uuid.UUID, order *models.Order) bool
	NoDriverToPassenger(passengerID, orderID uuid.UUID)
	DriverLocationToPassenger(passengerID, orderID uuid.UUID, lat, lng float64)
}

// OfferPayload is the wire shape of one wave offer.
type OfferPayload struct {
	Order           *models.Order
	WaveNumber      int
	WaveDeadline    time.Time
	EstimatedFare   float64
	SurgeMultiplier float64
	PredictedEta    int
	AutoAccept      float64
}

// HubNotifier delivers dispatch events over the websocket hub.
type HubNotifier struct {
	hub *websocket.Hub
}

func NewHubNotifier(hub *websocket.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

var _ Notifier = (*HubNotifier)(nil)

func (n *HubNotifier) OfferToDriver(driverID uuid.UUID, offer OfferPayload) bool {
	event := websocket.NewEvent("order:offer", map[string]interface{}{
		"order":           offer.Order,
		"waveNumber":      offer.WaveNumber,
		"waveDeadline":    offer.WaveDeadline,
		"estimatedFare":   offer.EstimatedFare,
		"surgeMultiplier": offer.SurgeMultiplier,
		"predictedEta":    offer.PredictedEta,
		"autoAcceptScore": offer.AutoAccept,
	})
	return n.hub.Deliver(websocket.RoleDriver, driverID.String(), event)
}

func (n *HubNotifier) CancelToDriver(driverID, orderID uuid.UUID, reason string) {
	n.hub.Deliver(websocket.RoleDriver, driverID.String(), websocket.NewEvent("order:cancelled", map[string]interface{}{
		"orderId": orderID.String(),
		"reason":  reason,
	}))
}

func (n *HubNotifier) UpdateToDriver(driverID uuid.UUID, order *models.Order) {
	n.hub.Deliver(websocket.RoleDriver, driverID.String(), websocket.NewEvent("order:update", map[string]interface{}{
		"orderId": order.ID.String(),
		"status":  order.Status,
	}))
}

func (n *HubNotifier) OrderUpdateToPassenger(passengerID uuid.UUID, order *models.Order) bool {
	return n.hub.Deliver(websocket.RolePassenger, passengerID.String(), websocket.NewEvent("order:update", map[string]interface{}{
		"order": order,
	}))
}

func (n *HubNotifier) NoDriverToPassenger(passengerID, orderID uuid.UUID) {
	n.hub.Deliver(websocket.RolePassenger, passengerID.String(), websocket.NewEvent("order:no_driver", map[string]interface{}{
		"orderId": orderID.String(),
	}))
}

// DriverLocationToPassenger streams the assigned driver's movement, only
// after ACCEPTED and only to the passenger on that order.
func (n *HubNotifier) DriverLocationToPassenger(passengerID, orderID uuid.UUID, lat, lng float64) {
	n.hub.Deliver(websocket.RolePassenger, passengerID.String(), websocket.NewEvent("driver:location", map[string]interface{}{
		"orderId": orderID.String(),
		"lat":     lat,
		"lng":     lng,
	}))
}

// NearbyDrivers broadcasts the visible-driver snapshot to every connected
// passenger; it satisfies the presence registry's Broadcaster.
func (n *HubNotifier) NearbyDrivers(drivers []models.DriverLocation) {
	payload := make([]map[string]interface{}, 0, len(drivers))
	for _, d := range drivers {
		payload = append(payload, map[string]interface{}{
			"driverId":  d.DriverID.String(),
			"lat":       d.Latitude,
			"lng":       d.Longitude,
			"timestamp": d.Timestamp,
		})
	}
	n.hub.BroadcastPassengers(websocket.NewEvent("nearby:drivers", map[string]interface{}{
		"drivers": payload,
	}))
}
