package hotzone

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
)

// Waiter is the party blocked behind a full zone counter. Exactly one of the
// two callbacks fires, from the engine's sweeper or release path.
type Waiter interface {
	OnAdmit(adm Admission)
	OnTimeout()
}

type queueEntry struct {
	waiter   Waiter
	deadline time.Time
}

// enqueueLocked appends a waiter and returns its 1-based position. Caller
// holds z.mu.
func (e *Engine) enqueueLocked(z *zoneState, w Waiter, now time.Time) int {
	deadline := now.Add(time.Duration(z.cfg.QueueTimeoutMinutes) * time.Minute)
	z.queue = append(z.queue, &queueEntry{waiter: w, deadline: deadline})
	logger.Info("zone queue admission deferred",
		zap.String("zone", z.cfg.Name),
		zap.Int("position", len(z.queue)))
	return len(z.queue)
}

// admitQueuedLocked drains the head of the queue into whatever capacity the
// current hour's counter has. Surge is priced at admission, not enqueue.
// Caller holds z.mu.
func (e *Engine) admitQueuedLocked(ctx context.Context, z *zoneState) {
	now := e.clk.Now()
	c := z.counterFor(now)
	for len(z.queue) > 0 && c.used < c.limit {
		entry := z.queue[0]
		z.queue = z.queue[1:]
		adm := e.admitLocked(ctx, z, c, now)
		go entry.waiter.OnAdmit(*adm)
	}
}

// expireQueuedLocked times out waiters past their deadline. Caller holds z.mu.
func (e *Engine) expireQueuedLocked(z *zoneState, now time.Time) {
	kept := z.queue[:0]
	for _, entry := range z.queue {
		if now.Before(entry.deadline) {
			kept = append(kept, entry)
			continue
		}
		logger.Info("zone queue waiter timed out", zap.String("zone", z.cfg.Name))
		go entry.waiter.OnTimeout()
	}
	z.queue = kept
}

// Run sweeps the zone queues until ctx is cancelled: expired waiters fail,
// and waiters admit into capacity freed by the hour roll. release-path
// capacity is handled inline by Release.
func (e *Engine) Run(ctx context.Context, sweepInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(sweepInterval):
		}

		now := e.clk.Now()
		e.mu.RLock()
		zones := make([]*zoneState, len(e.zones))
		copy(zones, e.zones)
		e.mu.RUnlock()

		for _, z := range zones {
			z.mu.Lock()
			e.expireQueuedLocked(z, now)
			e.admitQueuedLocked(ctx, z)
			z.mu.Unlock()
		}
	}
}
