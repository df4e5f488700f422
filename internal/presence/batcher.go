package presence

import (
	"context"
	"sync"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists presence state. Implemented over pgx in this package.
type Store interface {
	UpdateDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverAvailability, heartbeat time.Time) error
	UpdateDriverLocation(ctx context.Context, loc models.DriverLocation) error
}

type pendingWrite struct {
	status    *models.DriverAvailability
	heartbeat time.Time
	location  *models.DriverLocation
}

// Batcher coalesces ~1 Hz presence writes into one batched write per driver
// per interval. Status flips into or out of AVAILABLE bypass the batch
// because dispatch depends on them being visible.
type Batcher struct {
	store    Store
	interval time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingWrite
	stopCh  chan struct{}
	stopped bool
}

// NewBatcher creates and starts the write-behind loop.
func NewBatcher(store Store, interval time.Duration) *Batcher {
	b := &Batcher{
		store:    store,
		interval: interval,
		pending:  make(map[uuid.UUID]*pendingWrite),
		stopCh:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// EnqueueLocation coalesces a location tick; only the latest per driver
// survives to the flush.
func (b *Batcher) EnqueueLocation(loc models.DriverLocation) {
	b.mu.Lock()
	p := b.ensure(loc.DriverID)
	l := loc
	p.location = &l
	p.heartbeat = loc.Timestamp
	b.mu.Unlock()
}

// EnqueueStatus coalesces a status change that does not gate dispatch.
func (b *Batcher) EnqueueStatus(driverID uuid.UUID, status models.DriverAvailability, heartbeat time.Time) {
	b.mu.Lock()
	p := b.ensure(driverID)
	s := status
	p.status = &s
	p.heartbeat = heartbeat
	b.mu.Unlock()
}

// FlushStatus writes a status change immediately, dropping any coalesced
// status for that driver.
func (b *Batcher) FlushStatus(ctx context.Context, driverID uuid.UUID, status models.DriverAvailability, heartbeat time.Time) {
	b.mu.Lock()
	if p, ok := b.pending[driverID]; ok {
		p.status = nil
	}
	b.mu.Unlock()

	if err := b.store.UpdateDriverStatus(ctx, driverID, status, heartbeat); err != nil {
		logger.WarnContext(ctx, "immediate status flush failed",
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
	}
}

// Stop halts the loop and drains pending writes.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stopCh)
	b.flush()
}

func (b *Batcher) loop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[uuid.UUID]*pendingWrite)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for driverID, p := range batch {
		if p.location != nil {
			if err := b.store.UpdateDriverLocation(ctx, *p.location); err != nil {
				logger.Warn("batched location write failed",
					zap.String("driver_id", driverID.String()),
					zap.Error(err),
				)
			}
		}
		if p.status != nil {
			if err := b.store.UpdateDriverStatus(ctx, driverID, *p.status, p.heartbeat); err != nil {
				logger.Warn("batched status write failed",
					zap.String("driver_id", driverID.String()),
					zap.Error(err),
				)
			}
		}
	}
}

func (b *Batcher) ensure(driverID uuid.UUID) *pendingWrite {
	p, ok := b.pending[driverID]
	if !ok {
		p = &pendingWrite{}
		b.pending[driverID] = p
	}
	return p
}
