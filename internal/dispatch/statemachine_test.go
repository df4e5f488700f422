package dispatch

import (
	"errors"
	"testing"

	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

func TestTransitionTripPath(t *testing.T) {
	steps := []struct {
		from models.OrderStatus
		to   models.OrderStatus
	}{
		{models.OrderStatusOffered, models.OrderStatusAccepted},
		{models.OrderStatusAccepted, models.OrderStatusArrived},
		{models.OrderStatusArrived, models.OrderStatusOnTrip},
		{models.OrderStatusOnTrip, models.OrderStatusSettling},
		{models.OrderStatusSettling, models.OrderStatusDone},
	}
	for _, step := range steps {
		effects, err := Transition(step.from, step.to, ActorDriver)
		if err != nil {
			t.Fatalf("%s -> %s: %v", step.from, step.to, err)
		}
		if len(effects) == 0 {
			t.Fatalf("%s -> %s: expected effects", step.from, step.to)
		}
	}
}

func TestTransitionRejectsSkips(t *testing.T) {
	cases := []struct {
		from models.OrderStatus
		to   models.OrderStatus
	}{
		{models.OrderStatusOffered, models.OrderStatusArrived},
		{models.OrderStatusOffered, models.OrderStatusOnTrip},
		{models.OrderStatusAccepted, models.OrderStatusSettling},
		{models.OrderStatusAccepted, models.OrderStatusDone},
		{models.OrderStatusOnTrip, models.OrderStatusDone},
		{models.OrderStatusOnTrip, models.OrderStatusCancelled},
		{models.OrderStatusSettling, models.OrderStatusCancelled},
		{models.OrderStatusDone, models.OrderStatusCancelled},
		{models.OrderStatusCancelled, models.OrderStatusAccepted},
		{models.OrderStatusDone, models.OrderStatusOffered},
	}
	for _, tc := range cases {
		_, err := Transition(tc.from, tc.to, ActorDriver)
		if err == nil {
			t.Fatalf("%s -> %s: expected rejection", tc.from, tc.to)
		}
		if common.CodeOf(err) != common.CodeBadTransition {
			t.Fatalf("%s -> %s: code = %s", tc.from, tc.to, common.CodeOf(err))
		}
	}
}

func TestTransitionActorAuthority(t *testing.T) {
	// only drivers move orders forward
	for _, actor := range []ActorKind{ActorPassenger, ActorAdmin, ActorSystem} {
		_, err := Transition(models.OrderStatusAccepted, models.OrderStatusArrived, actor)
		if err == nil {
			t.Fatalf("%s advanced a trip", actor)
		}
	}

	// everyone may cancel while cancellable
	for _, actor := range []ActorKind{ActorPassenger, ActorDriver, ActorAdmin, ActorSystem} {
		for _, from := range []models.OrderStatus{models.OrderStatusOffered, models.OrderStatusAccepted, models.OrderStatusArrived} {
			if _, err := Transition(from, models.OrderStatusCancelled, actor); err != nil {
				t.Fatalf("%s could not cancel from %s: %v", actor, from, err)
			}
		}
	}
}

func TestTransitionEffects(t *testing.T) {
	effects, err := Transition(models.OrderStatusOnTrip, models.OrderStatusSettling, ActorDriver)
	if err != nil {
		t.Fatal(err)
	}
	if !hasEffect(effects, EffectRecordSettlement) {
		t.Fatal("settling must record the meter payload")
	}

	effects, err = Transition(models.OrderStatusOffered, models.OrderStatusCancelled, ActorPassenger)
	if err != nil {
		t.Fatal(err)
	}
	if !hasEffect(effects, EffectReleaseZone) {
		t.Fatal("cancelling an offered order must return the zone ticket")
	}

	effects, err = Transition(models.OrderStatusAccepted, models.OrderStatusCancelled, ActorPassenger)
	if err != nil {
		t.Fatal(err)
	}
	if hasEffect(effects, EffectReleaseZone) {
		t.Fatal("zone ticket is spent once a driver accepted")
	}
	if !hasEffect(effects, EffectClearAssignment) {
		t.Fatal("cancelling an accepted order must free the driver")
	}
}

func TestTransitionErrorUnwraps(t *testing.T) {
	_, err := Transition(models.OrderStatusDone, models.OrderStatusOnTrip, ActorDriver)
	var appErr *common.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != common.CodeBadTransition {
		t.Fatalf("code = %s", appErr.Code)
	}
}

func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if e == want {
			return true
		}
	}
	return false
}
