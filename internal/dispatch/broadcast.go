package dispatch

import (
	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// dispatchBroadcast is the degraded offer-to-all mode used when candidate
// selection fails transiently. Every fresh AVAILABLE driver inside the
// radius cap gets the offer in a single final wave; scoring, prediction,
// and escalation are skipped.
func (o *Orchestrator) dispatchBroadcast(order *models.Order) []uuid.UUID {
	order.DispatchMethod = dispatchMethodBroadcast
	order.DispatchBatch = o.cfg.MaxWaves

	snaps := o.registry.QueryAvailable(order.PickupLatitude, order.PickupLongitude, o.cfg.CandidateRadiusCapKm)
	candidates := make([]*Candidate, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Location == nil {
			continue
		}
		candidates = append(candidates, &Candidate{
			DriverID: snap.DriverID,
			Location: *snap.Location,
			Reason:   "broadcast fallback",
		})
	}

	// numbered as the last wave so the supervisor exhausts instead of
	// escalating when nobody accepts
	attempted := make(map[uuid.UUID]bool)
	wave, recipients := o.startWave(order, o.cfg.MaxWaves, candidates, attempted)
	go o.superviseDispatch(order, wave, attempted)
	return recipients
}
