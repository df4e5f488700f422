package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/eastrift/fleet-dispatch/pkg/errors"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
)

// staleSlack pads the theoretical maximum dispatch lifetime before the
// sweeper treats an OFFERED order as orphaned.
const staleSlack = time.Minute

// acceptedDeadAfter is how long an order may sit in ACCEPTED with no
// pickup progress before the sweeper checks whether its driver is gone.
const acceptedDeadAfter = 30 * time.Minute

const cancelReasonDriverLost = "driver_lost"

// RunSweeper periodically fails OFFERED orders whose dispatch task died
// with them, e.g. across a process restart. Orders with a live wave are
// left alone.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	interval := o.cfg.StaleRideSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clk.After(interval):
			o.checkClock(ctx)
			o.sweepStale(ctx)
			o.sweepDeadAccepted(ctx)
		}
	}
}

// checkClock surfaces wall-clock regressions. Deadlines all over the
// dispatch pipeline assume monotonic-ish time; a backwards jump means the
// host clock is broken and operators need to know.
func (o *Orchestrator) checkClock(ctx context.Context) {
	checker, ok := o.clk.(interface{ Check() error })
	if !ok {
		return
	}
	if err := checker.Check(); err != nil {
		logger.ErrorContext(ctx, "wall clock regression detected", zap.Error(err))
		apperrors.CaptureFatal(err, map[string]string{"kind": "clock_regression"})
	}
}

func (o *Orchestrator) sweepStale(ctx context.Context) {
	maxLifetime := time.Duration(o.cfg.MaxWaves)*o.cfg.WaveTimeout + staleSlack
	cutoff := o.clk.Now().Add(-maxLifetime)

	stale, err := o.store.ListStaleOffered(ctx, cutoff)
	if err != nil {
		logger.WarnContext(ctx, "stale order scan failed", zap.Error(err))
		return
	}

	for _, order := range stale {
		if o.currentWave(order.ID) != nil {
			continue
		}
		logger.InfoContext(ctx, "sweeping orphaned offered order",
			zap.String("order_id", order.ID.String()),
			zap.Time("offered_at", order.CreatedAt),
		)
		o.failUnserved(ctx, order.ID)
	}
}

// sweepDeadAccepted cancels accepted orders whose driver has stopped
// heartbeating. A driver who is merely slow to the pickup keeps the
// order as long as the connection is alive.
func (o *Orchestrator) sweepDeadAccepted(ctx context.Context) {
	cutoff := o.clk.Now().Add(-acceptedDeadAfter)

	stale, err := o.store.ListStaleAccepted(ctx, cutoff)
	if err != nil {
		logger.WarnContext(ctx, "stale accepted scan failed", zap.Error(err))
		return
	}

	for _, order := range stale {
		if order.DriverID == nil {
			continue
		}
		if snap, ok := o.registry.Get(*order.DriverID); ok {
			if o.clk.Now().Sub(snap.LastHeartbeat) <= o.cfg.PresenceFreshness {
				continue
			}
		}
		logger.InfoContext(ctx, "cancelling accepted order with dead driver",
			zap.String("order_id", order.ID.String()),
			zap.String("driver_id", order.DriverID.String()),
		)
		if err := o.CancelOrder(ctx, order.ID, ActorSystem, uuid.Nil, cancelReasonDriverLost); err != nil {
			logger.WarnContext(ctx, "dead driver cancel failed",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
}
