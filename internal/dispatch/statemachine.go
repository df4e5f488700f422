package dispatch

import (
	"fmt"

	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// ActorKind identifies who is attempting a transition.
type ActorKind string

const (
	ActorPassenger ActorKind = "passenger"
	ActorDriver    ActorKind = "driver"
	ActorAdmin     ActorKind = "admin"
	ActorSystem    ActorKind = "system"
)

// Effect names a side effect the orchestrator must run after a legal
// transition commits.
type Effect int

const (
	EffectAssignDriver     Effect = iota // set driver_id, clear other offers, driver to ON_TRIP
	EffectNotifyPassenger                // push order:update to the passenger
	EffectRecordStarted                  // stamp started_at
	EffectRecordSettlement               // store meter, distance, duration, photo
	EffectCompleteTrip                   // driver back to AVAILABLE, stats, ratings hook
	EffectReleaseZone                    // return the zone ticket (cancel before ACCEPTED)
	EffectClearAssignment                // free the driver from the cancelled order
	EffectNotifyOtherParty               // tell the non-cancelling side
)

type edge struct {
	from    models.OrderStatus
	to      models.OrderStatus
	actors  map[ActorKind]bool
	effects []Effect
}

var cancelActors = map[ActorKind]bool{
	ActorPassenger: true, ActorDriver: true, ActorAdmin: true, ActorSystem: true,
}

var driverOnly = map[ActorKind]bool{ActorDriver: true}

// transition table: every legal edge with its actor set and side effects.
var edges = []edge{
	{models.OrderStatusOffered, models.OrderStatusAccepted, driverOnly,
		[]Effect{EffectAssignDriver, EffectNotifyPassenger}},
	{models.OrderStatusAccepted, models.OrderStatusArrived, driverOnly,
		[]Effect{EffectNotifyPassenger}},
	{models.OrderStatusArrived, models.OrderStatusOnTrip, driverOnly,
		[]Effect{EffectRecordStarted, EffectNotifyPassenger}},
	{models.OrderStatusOnTrip, models.OrderStatusSettling, driverOnly,
		[]Effect{EffectRecordSettlement, EffectNotifyPassenger}},
	{models.OrderStatusSettling, models.OrderStatusDone, driverOnly,
		[]Effect{EffectCompleteTrip, EffectNotifyPassenger}},

	{models.OrderStatusOffered, models.OrderStatusCancelled, cancelActors,
		[]Effect{EffectReleaseZone, EffectNotifyOtherParty}},
	{models.OrderStatusAccepted, models.OrderStatusCancelled, cancelActors,
		[]Effect{EffectClearAssignment, EffectNotifyOtherParty}},
	{models.OrderStatusArrived, models.OrderStatusCancelled, cancelActors,
		[]Effect{EffectClearAssignment, EffectNotifyOtherParty}},
}

// Transition decides whether actor may move an order from current to
// requested. It is pure: the caller applies the returned effects. Illegal
// edges and unauthorized actors fail BAD_TRANSITION without touching state.
func Transition(current, requested models.OrderStatus, actor ActorKind) ([]Effect, error) {
	for _, e := range edges {
		if e.from != current || e.to != requested {
			continue
		}
		if !e.actors[actor] {
			return nil, common.NewStateError(common.CodeBadTransition,
				fmt.Sprintf("%s may not move an order from %s to %s", actor, current, requested))
		}
		return e.effects, nil
	}
	return nil, common.NewStateError(common.CodeBadTransition,
		fmt.Sprintf("no transition from %s to %s", current, requested))
}
