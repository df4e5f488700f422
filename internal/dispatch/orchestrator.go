package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/internal/eta"
	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/internal/hotzone"
	"github.com/eastrift/fleet-dispatch/internal/predictor"
	"github.com/eastrift/fleet-dispatch/internal/presence"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/config"
	"github.com/eastrift/fleet-dispatch/pkg/eventbus"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/eastrift/fleet-dispatch/pkg/tracing"
)

const (
	dispatchMethodWave      = "wave_v2"
	dispatchMethodBroadcast = "broadcast"

	cancelReasonTaken    = "taken"
	cancelReasonNoDriver = "no_driver"

	terminalWriteBudget = 10 * time.Second
)

// QueuedError reports that a ride request is waiting behind a full zone
// counter rather than being dispatched.
type QueuedError struct {
	Position int
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("queued at position %d", e.Position)
}

// Orchestrator owns the lifecycle of every non-terminal order: admission,
// candidate selection, offer waves, the acceptance race, trip progress, and
// terminal persistence. All mutations of one order serialize through that
// order's critical section.
type Orchestrator struct {
	cfg      config.DispatchConfig
	clk      clock.Clock
	store    Store
	registry *presence.Registry
	zones    *hotzone.Engine
	etaSvc   *eta.Service
	pred     *predictor.Predictor
	notifier Notifier
	bus      *eventbus.Bus
	flusher  *Flusher

	mu    sync.Mutex
	waves map[uuid.UUID]*activeWave
	locks map[uuid.UUID]*sync.Mutex
}

func NewOrchestrator(
	cfg config.DispatchConfig,
	clk clock.Clock,
	store Store,
	registry *presence.Registry,
	zones *hotzone.Engine,
	etaSvc *eta.Service,
	pred *predictor.Predictor,
	notifier Notifier,
	bus *eventbus.Bus,
) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		clk:      clk,
		store:    store,
		registry: registry,
		zones:    zones,
		etaSvc:   etaSvc,
		pred:     pred,
		notifier: notifier,
		bus:      bus,
		waves:    make(map[uuid.UUID]*activeWave),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
	o.flusher = NewFlusher(store)
	return o
}

// Flusher exposes the background retry loop for terminal writes.
func (o *Orchestrator) Flusher() *Flusher { return o.flusher }

// orderLock returns the critical-section mutex for one order.
func (o *Orchestrator) orderLock(orderID uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[orderID] = l
	}
	return l
}

func (o *Orchestrator) currentWave(orderID uuid.UUID) *activeWave {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waves[orderID]
}

func (o *Orchestrator) setWave(orderID uuid.UUID, w *activeWave) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w == nil {
		delete(o.waves, orderID)
	} else {
		o.waves[orderID] = w
	}
}

// releaseOrder drops per-order bookkeeping once the order is terminal.
func (o *Orchestrator) releaseOrder(orderID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.waves, orderID)
	delete(o.locks, orderID)
}

// SubmitRide admits a ride request, creates the OFFERED order, and launches
// wave 1. The returned driver ids are the first wave's recipients. A full
// zone with queueing enabled returns *QueuedError instead.
func (o *Orchestrator) SubmitRide(ctx context.Context, req *models.RideRequest) (*models.Order, []uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "SubmitRide")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.PassengerIDKey.String(req.PassengerID.String()),
		tracing.LatitudeKey.Float64(req.Pickup.Latitude),
		tracing.LongitudeKey.Float64(req.Pickup.Longitude),
	)

	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	passenger, err := o.admitPassenger(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	waiter := &zoneWaiter{o: o, req: req, passenger: passenger}
	adm, position, err := o.zones.Reserve(ctx, req.Pickup.Latitude, req.Pickup.Longitude, waiter)
	if err != nil {
		ridesSubmitted.WithLabelValues("zone_full").Inc()
		return nil, nil, err
	}
	if adm == nil {
		ridesSubmitted.WithLabelValues("queued").Inc()
		return nil, nil, &QueuedError{Position: position}
	}

	order, recipients, err := o.createAndDispatch(ctx, passenger, req, adm)
	if err != nil {
		// the admission consumed a ticket the order never used
		if adm.ZoneName != "" {
			o.zones.Release(ctx, adm.ZoneName, o.clk.Now())
		}
		return nil, nil, err
	}
	ridesSubmitted.WithLabelValues("dispatched").Inc()
	return order, recipients, nil
}

func validateRequest(req *models.RideRequest) error {
	if req.PassengerPhone == "" && req.PassengerID == uuid.Nil {
		return common.NewValidationError(common.CodeMissingFields, "passenger identity is required")
	}
	if !req.Pickup.Valid() {
		return common.NewValidationError(common.CodeMissingFields, "pickup coordinates are missing or out of range")
	}
	if req.Destination != nil && !req.Destination.Valid() {
		return common.NewValidationError(common.CodeMissingFields, "destination coordinates are out of range")
	}
	if req.PaymentType == "" {
		req.PaymentType = models.PaymentCash
	}
	if !models.ValidPaymentType(req.PaymentType) {
		return common.NewValidationError(common.CodeMissingFields, "unknown payment type")
	}
	return nil
}

func (o *Orchestrator) admitPassenger(ctx context.Context, req *models.RideRequest) (*models.Passenger, error) {
	var (
		passenger *models.Passenger
		err       error
	)
	if req.PassengerID != uuid.Nil {
		passenger, err = o.store.GetPassenger(ctx, req.PassengerID)
	} else {
		passenger, err = o.store.EnsurePassenger(ctx, req.PassengerPhone, req.PassengerName)
	}
	if err != nil {
		return nil, common.NewInternalErrorWithError("passenger lookup failed", err)
	}
	if passenger == nil {
		return nil, common.NewNotFoundError("passenger not found")
	}
	if passenger.IsBlocked {
		return nil, common.NewPolicyError(common.CodePassengerBlocked, "passenger is blocked")
	}
	return passenger, nil
}

// createAndDispatch persists the OFFERED order and starts wave 1. Used by
// the direct path and by zone-queue admissions.
func (o *Orchestrator) createAndDispatch(ctx context.Context, passenger *models.Passenger, req *models.RideRequest, adm *hotzone.Admission) (*models.Order, []uuid.UUID, error) {
	now := o.clk.Now()

	var tripMeters int
	if req.Destination != nil {
		est := o.etaSvc.Lookup(ctx, req.Pickup, *req.Destination)
		tripMeters = est.DistanceMeters
	}
	fare := EstimateFare(tripMeters, adm.Surge)

	order := &models.Order{
		ID:              uuid.New(),
		PassengerID:     passenger.ID,
		Status:          models.OrderStatusOffered,
		PickupLatitude:  req.Pickup.Latitude,
		PickupLongitude: req.Pickup.Longitude,
		PickupAddress:   req.Pickup.Address,
		PaymentType:     req.PaymentType,
		EstimatedFare:   fare,
		SurgeMultiplier: adm.Surge,
		DispatchMethod:  dispatchMethodWave,
		DispatchBatch:   1,
		HourOfDay:       now.Hour(),
		DayOfWeek:       int(now.Weekday()),
		CreatedAt:       now,
		OfferedAt:       &now,
	}
	if req.Destination != nil {
		order.DropoffLatitude = &req.Destination.Latitude
		order.DropoffLongitude = &req.Destination.Longitude
		order.DropoffAddress = &req.Destination.Address
	}
	if adm.ZoneName != "" {
		zone := adm.ZoneName
		order.ZoneName = &zone
	}

	if err := o.store.CreateOrder(ctx, order); err != nil {
		return nil, nil, common.NewInternalErrorWithError("could not persist order", err)
	}

	candidates, err := o.selectCandidates(ctx, order, nil, 1)
	if err != nil {
		if o.cfg.BroadcastFallback {
			logger.WarnContext(ctx, "candidate selection failed, broadcasting",
				zap.String("order_id", order.ID.String()), zap.Error(err))
			return order, o.dispatchBroadcast(order), nil
		}
		return nil, nil, common.NewInternalErrorWithError("candidate selection failed", err)
	}

	attempted := make(map[uuid.UUID]bool)
	wave, recipients := o.startWave(order, 1, candidates, attempted)
	go o.superviseDispatch(order, wave, attempted)
	return order, recipients, nil
}

// selectCandidates scores the fresh AVAILABLE drivers around the pickup,
// excluding drivers who already rejected or timed out on this order. The
// search radius doubles per wave up to the cap.
func (o *Orchestrator) selectCandidates(ctx context.Context, order *models.Order, excluded map[uuid.UUID]bool, waveNumber int) ([]*Candidate, error) {
	radius := o.cfg.CandidateRadiusKm
	for i := 1; i < waveNumber; i++ {
		radius *= 2
	}
	if radius > o.cfg.CandidateRadiusCapKm {
		radius = o.cfg.CandidateRadiusCapKm
	}

	snaps := o.registry.QueryAvailable(order.PickupLatitude, order.PickupLongitude, radius)

	dayStart := dayStartOf(o.clk.Now())
	fleetAvg, err := o.store.FleetAvgEarnings(ctx, dayStart)
	if err != nil {
		return nil, err
	}

	var tripKm float64
	if order.DropoffLatitude != nil && order.DropoffLongitude != nil {
		tripKm = geo.DistanceKm(order.PickupLatitude, order.PickupLongitude,
			*order.DropoffLatitude, *order.DropoffLongitude)
	}
	zoneName := ""
	if order.ZoneName != nil {
		zoneName = *order.ZoneName
	}

	pickup := models.GeoPoint{Latitude: order.PickupLatitude, Longitude: order.PickupLongitude}
	inputs := scoreInputs{
		weights:      models.DefaultScoreWeights(),
		radiusCapKm:  o.cfg.CandidateRadiusCapKm,
		fleetAvgEarn: fleetAvg,
	}

	var candidates []*Candidate
	for _, snap := range snaps {
		if excluded[snap.DriverID] || snap.Location == nil {
			continue
		}
		driver, err := o.store.GetDriver(ctx, snap.DriverID)
		if err != nil {
			return nil, err
		}
		if driver == nil || driver.IsBlocked {
			continue
		}

		stats, err := o.store.DriverDayStats(ctx, snap.DriverID, dayStart)
		if err != nil {
			return nil, err
		}

		pickupKm := geo.DistanceKm(snap.Location.Latitude, snap.Location.Longitude,
			order.PickupLatitude, order.PickupLongitude)
		est := o.etaSvc.Lookup(ctx, models.GeoPoint{
			Latitude:  snap.Location.Latitude,
			Longitude: snap.Location.Longitude,
		}, pickup)

		ev := o.pred.Evaluate(ctx, snap.DriverID, predictor.OfferContext{
			PickupDistanceKm: pickupKm,
			TripDistanceKm:   tripKm,
			EstimatedFare:    order.EstimatedFare,
			Hour:             order.HourOfDay,
			Day:              order.DayOfWeek,
			PickupZone:       zoneName,
			TodayEarnings:    stats.Earnings,
			TodayTrips:       stats.Trips,
			TodayOnlineHours: stats.OnlineHours,
		})

		c := &Candidate{
			DriverID:       snap.DriverID,
			Name:           driver.Name,
			Rating:         driver.Rating,
			Location:       *snap.Location,
			PickupKm:       pickupKm,
			EtaSeconds:     est.DurationSeconds,
			RejectionProb:  ev.RejectionProb,
			AutoAccept:     ev.AutoAccept,
			TodayEarnings:  stats.Earnings,
			ZonePreference: ev.ZonePreference,
			Reason:         fmt.Sprintf("wave %d within %.1f km", waveNumber, radius),
		}
		c.Score = scoreCandidate(c, inputs)
		candidates = append(candidates, c)
	}

	rankCandidates(candidates)
	if len(candidates) > o.cfg.WaveSize {
		candidates = candidates[:o.cfg.WaveSize]
	}
	return candidates, nil
}

// startWave registers the wave, writes its dispatch log, and fans out the
// offers. Recipients whose heartbeat expired since scoring are dropped
// before any offer is sent; recipients whose connection is gone count as
// timed out immediately and land in attempted so later waves skip them.
func (o *Orchestrator) startWave(order *models.Order, number int, candidates []*Candidate, attempted map[uuid.UUID]bool) (*activeWave, []uuid.UUID) {
	now := o.clk.Now()
	deadline := now.Add(o.cfg.WaveTimeout)
	w := newActiveWave(order.ID, number, deadline)
	o.setWave(order.ID, w)
	wavesStarted.Inc()

	o.appendWaveLog(order, number, candidates)
	o.publish(eventbus.SubjectWaveStarted, map[string]interface{}{
		"order_id": order.ID.String(), "wave": number, "candidates": len(candidates),
	})

	var recipients []uuid.UUID
	for _, c := range candidates {
		if !o.stillFresh(c.DriverID) {
			continue
		}
		delivered := o.notifier.OfferToDriver(c.DriverID, OfferPayload{
			Order:           order,
			WaveNumber:      number,
			WaveDeadline:    deadline,
			EstimatedFare:   order.EstimatedFare,
			SurgeMultiplier: order.SurgeMultiplier,
			PredictedEta:    c.EtaSeconds,
			AutoAccept:      c.AutoAccept,
		})
		if !delivered {
			offersUndeliverable.Inc()
			attempted[c.DriverID] = true
			o.recordRejection(context.Background(), order, c.DriverID, models.RejectTimeout, now)
			continue
		}
		offersSent.Inc()
		w.addRecipient(c.DriverID, now)
		recipients = append(recipients, c.DriverID)
	}

	if len(recipients) == 0 {
		// nothing to wait for; let the supervisor move on at once
		select {
		case w.allRejCh <- struct{}{}:
		default:
		}
	}
	return w, recipients
}

// appendWaveLog writes the dispatch log row for one wave. Losing a log row
// never blocks an offer.
func (o *Orchestrator) appendWaveLog(order *models.Order, number int, candidates []*Candidate) {
	entries := make([]models.DispatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, models.DispatchCandidate{
			DriverID:      c.DriverID,
			Score:         c.Score,
			PredictedEta:  c.EtaSeconds,
			RejectionProb: c.RejectionProb,
			Reason:        c.Reason,
		})
	}
	log := &models.DispatchLog{
		ID:         uuid.New(),
		OrderID:    order.ID,
		WaveNumber: number,
		Candidates: entries,
		Weights:    models.DefaultScoreWeights(),
		CreatedAt:  o.clk.Now(),
	}
	if err := o.store.AppendDispatchLog(context.Background(), log); err != nil {
		logger.Warn("dispatch log write failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

// stillFresh re-checks a candidate's heartbeat at send time.
func (o *Orchestrator) stillFresh(driverID uuid.UUID) bool {
	snap, ok := o.registry.Get(driverID)
	if !ok || !snap.Availability.Dispatchable() || snap.CurrentOrder != nil {
		return false
	}
	return o.clk.Since(snap.LastHeartbeat) <= o.cfg.PresenceFreshness
}

// superviseDispatch is the per-order dispatch task: it waits out each wave
// and escalates until acceptance, exhaustion, or external cancellation.
func (o *Orchestrator) superviseDispatch(order *models.Order, wave *activeWave, attempted map[uuid.UUID]bool) {
	ctx := context.Background()
	for {
		switch o.awaitWave(wave) {
		case waveAccepted, waveAborted:
			return
		default:
			// seal the wave; anyone who never replied counts as a timeout.
			// An acceptance that sealed first owns the order.
			nonResponders, sealed := wave.endNoWinner()
			if !sealed {
				return
			}
			for _, id := range nonResponders {
				o.recordRejection(ctx, order, id, models.RejectTimeout, wave.offerTime(id))
			}
		}

		o.publish(eventbus.SubjectWaveEnded, map[string]interface{}{
			"order_id": order.ID.String(), "wave": wave.number,
		})

		wave.mu.Lock()
		for id := range wave.rejected {
			attempted[id] = true
		}
		for id := range wave.offeredAt {
			attempted[id] = true
		}
		wave.mu.Unlock()

		if wave.number >= o.cfg.MaxWaves {
			o.failUnserved(ctx, order.ID)
			return
		}

		candidates, err := o.selectCandidates(ctx, order, attempted, wave.number+1)
		if err != nil {
			logger.Error("candidate selection failed mid-dispatch",
				zap.String("order_id", order.ID.String()), zap.Error(err))
			o.failUnserved(ctx, order.ID)
			return
		}
		if len(candidates) == 0 {
			o.failUnserved(ctx, order.ID)
			return
		}

		next, _ := o.startWave(order, wave.number+1, candidates, attempted)
		wave = next
	}
}

// awaitWave is the wave rendezvous: acceptance, all-rejected, abort, or the
// hard deadline, whichever fires first. Deadline ties end the wave.
func (o *Orchestrator) awaitWave(w *activeWave) waveOutcome {
	remaining := w.deadline.Sub(o.clk.Now())
	select {
	case <-w.acceptCh:
		return waveAccepted
	case <-w.allRejCh:
		return waveAllRejected
	case <-w.abortCh:
		return waveAborted
	case <-o.clk.After(remaining):
		return waveTimedOut
	}
}

// AcceptOffer resolves one driver's claim in the acceptance race. Exactly
// one claimant per order wins the compare-and-set; repeats by the winner are
// idempotent.
func (o *Orchestrator) AcceptOffer(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "AcceptOffer")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.OrderIDKey.String(orderID.String()),
		tracing.DriverIDKey.String(driverID.String()),
	)

	lock := o.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	wave := o.currentWave(orderID)
	if wave == nil {
		return o.acceptWithoutWave(ctx, orderID, driverID)
	}

	switch wave.tryClaim(driverID, o.clk.Now()) {
	case claimRepeat:
		return o.store.GetOrder(ctx, orderID)
	case claimTaken:
		o.notifier.CancelToDriver(driverID, orderID, cancelReasonTaken)
		return nil, common.NewStateError(common.CodeAlreadyTaken, "order already taken")
	case claimStale:
		return nil, common.NewStateError(common.CodeStale, "offer is no longer valid")
	}

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, common.NewInternalErrorWithError("order lookup failed", err)
	}
	if order == nil {
		return nil, common.NewNotFoundError("order not found")
	}

	// the registry assignment is the single-order-per-driver arbiter: a
	// driver racing two concurrent offers reserves here first, so the
	// second claim loses even though it holds a different order's lock
	if err := o.registry.AssignOrder(ctx, driverID, orderID); err != nil {
		return nil, common.NewStateError(common.CodeStale, "driver already has an active order")
	}

	now := o.clk.Now()
	var pickupKm *float64
	if snap, ok := o.registry.Get(driverID); ok && snap.Location != nil {
		km := geo.DistanceKm(snap.Location.Latitude, snap.Location.Longitude,
			order.PickupLatitude, order.PickupLongitude)
		pickupKm = &km
	}
	won, err := o.store.AcceptOrderCAS(ctx, orderID, driverID, now, pickupKm, wave.number)
	if err != nil {
		o.registry.ClearOrder(ctx, driverID, true)
		return nil, common.NewInternalErrorWithError("acceptance write failed", err)
	}
	if !won {
		o.registry.ClearOrder(ctx, driverID, true)
		o.notifier.CancelToDriver(driverID, orderID, cancelReasonTaken)
		return nil, common.NewStateError(common.CodeAlreadyTaken, "order already taken")
	}

	order.Status = models.OrderStatusAccepted
	order.DriverID = &driverID
	order.AcceptedAt = &now
	order.PickupDistance = pickupKm
	order.DispatchBatch = wave.number

	losers := wave.endAccepted(driverID)
	select {
	case wave.acceptCh <- driverID:
	default:
	}
	o.setWave(orderID, nil)

	for _, loser := range losers {
		o.notifier.CancelToDriver(loser, orderID, cancelReasonTaken)
	}
	o.notifier.OrderUpdateToPassenger(order.PassengerID, order)

	responseMs := now.Sub(wave.offerTime(driverID)).Milliseconds()
	if err := o.store.RecordLogAcceptance(ctx, orderID, wave.number, driverID, now, responseMs); err != nil {
		logger.WarnContext(ctx, "dispatch log acceptance write failed",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	ordersAccepted.Inc()
	timeToAccept.Observe(now.Sub(order.CreatedAt).Seconds())
	o.publish(eventbus.SubjectOrderAccepted, map[string]interface{}{
		"order_id": orderID.String(), "driver_id": driverID.String(), "wave": wave.number,
	})
	return order, nil
}

// acceptWithoutWave handles claims arriving after the dispatch task is gone:
// idempotent repeats by the winner, ALREADY_TAKEN for others, STALE when the
// order found no driver.
func (o *Orchestrator) acceptWithoutWave(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, common.NewInternalErrorWithError("order lookup failed", err)
	}
	if order == nil {
		return nil, common.NewNotFoundError("order not found")
	}
	if order.DriverID != nil && *order.DriverID == driverID && order.Status == models.OrderStatusAccepted {
		return order, nil
	}
	if order.DriverID != nil {
		return nil, common.NewStateError(common.CodeAlreadyTaken, "order already taken")
	}
	return nil, common.NewStateError(common.CodeStale, "offer is no longer valid")
}

// RejectOffer records a driver's explicit decline with its feature snapshot.
// Rejection alone never advances the wave; it is one of the three signals
// the wave rendezvous listens for.
func (o *Orchestrator) RejectOffer(ctx context.Context, orderID, driverID uuid.UUID, reason models.RejectReason) error {
	if reason == "" {
		reason = models.RejectOther
	}
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return common.NewInternalErrorWithError("order lookup failed", err)
	}
	if order == nil {
		return common.NewNotFoundError("order not found")
	}

	offeredAt := o.clk.Now()
	wave := o.currentWave(orderID)
	if wave != nil {
		if at := wave.offerTime(driverID); !at.IsZero() {
			offeredAt = at
		}
	}
	o.recordRejection(ctx, order, driverID, reason, offeredAt)

	if wave != nil {
		wave.markRejected(driverID, reason)
	}
	return nil
}

// recordRejection persists the rejection and its feature snapshot. Failures
// are logged and dropped; losing one training row never fails a dispatch.
func (o *Orchestrator) recordRejection(ctx context.Context, order *models.Order, driverID uuid.UUID, reason models.RejectReason, offeredAt time.Time) {
	now := o.clk.Now()
	rejectionsRecorded.WithLabelValues(string(reason)).Inc()

	var pickupKm float64
	if snap, ok := o.registry.Get(driverID); ok && snap.Location != nil {
		pickupKm = geo.DistanceKm(snap.Location.Latitude, snap.Location.Longitude,
			order.PickupLatitude, order.PickupLongitude)
	}
	var tripKm float64
	if order.DropoffLatitude != nil && order.DropoffLongitude != nil {
		tripKm = geo.DistanceKm(order.PickupLatitude, order.PickupLongitude,
			*order.DropoffLatitude, *order.DropoffLongitude)
	}
	stats, err := o.store.DriverDayStats(ctx, driverID, dayStartOf(now))
	if err != nil {
		logger.WarnContext(ctx, "day stats unavailable for rejection snapshot", zap.Error(err))
	}

	rej := &models.Rejection{
		ID:       uuid.New(),
		OrderID:  order.ID,
		DriverID: driverID,
		Reason:   reason,
		Features: models.RejectionFeatures{
			PickupDistanceKm: pickupKm,
			TripDistanceKm:   tripKm,
			EstimatedFare:    order.EstimatedFare,
			Hour:             order.HourOfDay,
			Day:              order.DayOfWeek,
			TodayEarnings:    stats.Earnings,
			TodayTrips:       stats.Trips,
			TodayOnlineHours: stats.OnlineHours,
		},
		OfferedAt:  offeredAt,
		RejectedAt: now,
		ResponseMs: now.Sub(offeredAt).Milliseconds(),
	}
	if err := o.store.AppendRejection(ctx, rej); err != nil {
		logger.WarnContext(ctx, "rejection write failed, dropping",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if err := o.store.IncrementRejectCount(ctx, order.ID); err != nil {
		logger.WarnContext(ctx, "reject count bump failed", zap.Error(err))
	}
	o.publish(eventbus.SubjectRejectionLogged, map[string]interface{}{
		"order_id": order.ID.String(), "driver_id": driverID.String(), "reason": string(reason),
	})
}

// AdvanceTrip applies a driver-initiated transition: ARRIVED, ON_TRIP,
// SETTLING with the meter payload, or DONE. Only the assigned driver may
// advance, and only along the legal path.
func (o *Orchestrator) AdvanceTrip(ctx context.Context, orderID, driverID uuid.UUID, to models.OrderStatus, settlement *models.TripSettlement) (*models.Order, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "AdvanceTrip")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.OrderIDKey.String(orderID.String()),
		tracing.DriverIDKey.String(driverID.String()),
	)

	lock := o.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, common.NewInternalErrorWithError("order lookup failed", err)
	}
	if order == nil {
		return nil, common.NewNotFoundError("order not found")
	}
	if order.DriverID == nil || *order.DriverID != driverID {
		return nil, common.NewPolicyError(common.CodeNotAssigned, "not the assigned driver")
	}
	if to == models.OrderStatusAccepted {
		return nil, common.NewStateError(common.CodeBadTransition, "acceptance goes through the offer claim")
	}

	effects, err := Transition(order.Status, to, ActorDriver)
	if err != nil {
		return nil, err
	}

	now := o.clk.Now()
	prev := order.Status
	order.Status = to
	for _, effect := range effects {
		switch effect {
		case EffectRecordStarted:
			order.StartedAt = &now
		case EffectRecordSettlement:
			if settlement == nil || settlement.MeterAmount <= 0 {
				return nil, common.NewValidationError(common.CodeMissingFields, "meter amount is required to settle")
			}
			order.MeterAmount = &settlement.MeterAmount
			order.ActualDistance = &settlement.Distance
			order.ActualDuration = &settlement.Duration
			order.PhotoURL = settlement.PhotoURL
		}
	}
	if to == models.OrderStatusArrived {
		order.ArrivedAt = &now
	}

	if to.IsTerminal() {
		order.CompletedAt = &now
		o.persistTerminal(ctx, order)
	} else {
		ok, err := o.store.UpdateOrderTransition(ctx, order, prev)
		if err != nil {
			return nil, common.NewInternalErrorWithError("transition write failed", err)
		}
		if !ok {
			return nil, common.NewStateError(common.CodeBadTransition, "order changed underneath the transition")
		}
	}

	for _, effect := range effects {
		switch effect {
		case EffectCompleteTrip:
			o.registry.ClearOrder(ctx, driverID, true)
			if order.MeterAmount != nil {
				if err := o.store.IncrementDriverStats(ctx, driverID, *order.MeterAmount); err != nil {
					logger.WarnContext(ctx, "driver stats bump failed", zap.Error(err))
				}
			}
			o.publish(eventbus.SubjectOrderCompleted, map[string]interface{}{
				"order_id": orderID.String(), "driver_id": driverID.String(),
			})
			o.releaseOrder(orderID)
		case EffectNotifyPassenger:
			o.notifier.OrderUpdateToPassenger(order.PassengerID, order)
		}
	}
	return order, nil
}

// CancelOrder ends a non-terminal order. Passengers may cancel their own
// order, drivers their assignment; admin and system cancel anything
// cancellable. Legal only in OFFERED, ACCEPTED, or ARRIVED.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID uuid.UUID, by ActorKind, actorID uuid.UUID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "CancelOrder")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.OrderIDKey.String(orderID.String()))

	lock := o.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()
	return o.cancelLocked(ctx, orderID, by, actorID, reason)
}

func (o *Orchestrator) cancelLocked(ctx context.Context, orderID uuid.UUID, by ActorKind, actorID uuid.UUID, reason string) error {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return common.NewInternalErrorWithError("order lookup failed", err)
	}
	if order == nil {
		return common.NewNotFoundError("order not found")
	}

	switch by {
	case ActorPassenger:
		if order.PassengerID != actorID {
			return common.NewPolicyError(common.CodeNotAssigned, "not your order")
		}
	case ActorDriver:
		if order.DriverID == nil || *order.DriverID != actorID {
			return common.NewPolicyError(common.CodeNotAssigned, "not the assigned driver")
		}
	}

	effects, err := Transition(order.Status, models.OrderStatusCancelled, by)
	if err != nil {
		return err
	}

	// stop the dispatch task before it sends further offers
	pendingRecipients := []uuid.UUID{}
	if wave := o.currentWave(orderID); wave != nil {
		pendingRecipients = wave.pendingRecipients()
		wave.abort()
	}

	now := o.clk.Now()
	wasAccepted := order.DriverID != nil
	prevStatus := order.Status
	order.Status = models.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = &reason
	actor := string(by)
	order.CancelledBy = &actor

	o.persistTerminal(ctx, order)

	for _, effect := range effects {
		switch effect {
		case EffectReleaseZone:
			if order.ZoneName != nil {
				o.zones.Release(ctx, *order.ZoneName, order.CreatedAt)
			}
		case EffectClearAssignment:
			if order.DriverID != nil {
				o.registry.ClearOrder(ctx, *order.DriverID, true)
			}
		}
	}

	for _, id := range pendingRecipients {
		o.notifier.CancelToDriver(id, orderID, reason)
	}
	if wasAccepted && by != ActorDriver {
		o.notifier.CancelToDriver(*order.DriverID, orderID, reason)
	}
	if by != ActorPassenger {
		o.notifier.OrderUpdateToPassenger(order.PassengerID, order)
	}

	o.publish(eventbus.SubjectOrderCancelled, map[string]interface{}{
		"order_id": orderID.String(), "by": string(by), "reason": reason, "was": string(prevStatus),
	})
	o.releaseOrder(orderID)
	return nil
}

// failUnserved cancels an order whose waves all came up empty and tells the
// passenger no driver was found.
func (o *Orchestrator) failUnserved(ctx context.Context, orderID uuid.UUID) {
	lock := o.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil || order == nil || order.Status != models.OrderStatusOffered {
		return
	}

	o.setWave(orderID, nil)
	if err := o.cancelLocked(ctx, orderID, ActorSystem, uuid.Nil, cancelReasonNoDriver); err != nil {
		logger.Error("no-driver cancellation failed",
			zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	o.notifier.NoDriverToPassenger(order.PassengerID, orderID)
	ordersExhausted.Inc()
	o.publish(eventbus.SubjectOrderExhausted, map[string]interface{}{
		"order_id": orderID.String(),
	})
}

// RateOrder attaches the passenger's rating to a completed order.
func (o *Orchestrator) RateOrder(ctx context.Context, orderID uuid.UUID, rating int) error {
	if rating < 1 || rating > 5 {
		return common.NewValidationError(common.CodeMissingFields, "rating must be between 1 and 5")
	}
	if err := o.store.RateOrder(ctx, orderID, rating); err != nil {
		return common.NewInternalErrorWithError("rating write failed", err)
	}
	return nil
}

// HandleDriverDisconnect treats session loss as a timeout for any wave the
// driver is pending in; the driver does not reappear in the next wave even
// if they reconnect inside the window.
func (o *Orchestrator) HandleDriverDisconnect(driverID uuid.UUID) {
	ctx := context.Background()
	o.mu.Lock()
	waves := make([]*activeWave, 0, len(o.waves))
	for _, w := range o.waves {
		waves = append(waves, w)
	}
	o.mu.Unlock()

	for _, w := range waves {
		if counted, _ := w.markRejected(driverID, models.RejectTimeout); counted {
			if order, err := o.store.GetOrder(ctx, w.orderID); err == nil && order != nil {
				o.recordRejection(ctx, order, driverID, models.RejectTimeout, w.offerTime(driverID))
			}
		}
	}
}

// persistTerminal writes a terminal order within the hot-path budget and
// hands persistent failures to the flusher.
func (o *Orchestrator) persistTerminal(ctx context.Context, order *models.Order) {
	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteBudget)
	defer cancel()
	if err := o.store.PersistTerminal(writeCtx, order); err != nil {
		logger.Error("terminal write failed, marking dirty",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		o.flusher.MarkDirty(order)
	}
}

func (o *Orchestrator) publish(subject string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(context.Background(), subject, data)
}

// dayStartOf returns local midnight for "today" aggregates.
func dayStartOf(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// zoneWaiter carries a queued ride request until the zone admits or times
// it out. Admission prices at that moment, then dispatch proceeds normally.
type zoneWaiter struct {
	o         *Orchestrator
	req       *models.RideRequest
	passenger *models.Passenger
}

func (zw *zoneWaiter) OnAdmit(adm hotzone.Admission) {
	ctx := context.Background()
	order, _, err := zw.o.createAndDispatch(ctx, zw.passenger, zw.req, &adm)
	if err != nil {
		logger.Error("queued ride dispatch failed",
			zap.String("passenger_id", zw.passenger.ID.String()), zap.Error(err))
		if adm.ZoneName != "" {
			zw.o.zones.Release(ctx, adm.ZoneName, zw.o.clk.Now())
		}
		return
	}
	zw.o.notifier.OrderUpdateToPassenger(zw.passenger.ID, order)
}

func (zw *zoneWaiter) OnTimeout() {
	zw.o.notifier.NoDriverToPassenger(zw.passenger.ID, uuid.Nil)
}

// StreamDriverLocation forwards a moving driver's position to the
// passenger of the order the driver currently holds. No-op for drivers
// without an assignment.
func (o *Orchestrator) StreamDriverLocation(ctx context.Context, driverID uuid.UUID, lat, lng float64) {
	orderID, ok := o.registry.CurrentOrder(driverID)
	if !ok {
		return
	}
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil || order == nil {
		return
	}
	o.notifier.DriverLocationToPassenger(order.PassengerID, orderID, lat, lng)
}
