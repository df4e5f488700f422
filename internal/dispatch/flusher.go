package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/eastrift/fleet-dispatch/pkg/errors"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// terminalAlertCeiling is how many consecutive failed flushes a terminal
// write gets before it is raised as a fatal alert. The retry loop keeps
// going either way; the alert fires once per order.
const terminalAlertCeiling = 10

// Flusher retries terminal order writes that missed the hot-path budget.
// Core state moved on already; this loop only reconciles storage.
type Flusher struct {
	store Store

	mu    sync.Mutex
	dirty map[uuid.UUID]*dirtyOrder
}

type dirtyOrder struct {
	order    *models.Order
	attempts int
}

func NewFlusher(store Store) *Flusher {
	return &Flusher{
		store: store,
		dirty: make(map[uuid.UUID]*dirtyOrder),
	}
}

// MarkDirty queues a terminal order for background persistence. A later
// mark for the same order replaces the earlier snapshot.
func (f *Flusher) MarkDirty(order *models.Order) {
	f.mu.Lock()
	f.dirty[order.ID] = &dirtyOrder{order: order}
	dirtyOrders.Set(float64(len(f.dirty)))
	f.mu.Unlock()
}

// Run drains the dirty set every interval until ctx ends.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	f.mu.Lock()
	pending := make([]*dirtyOrder, 0, len(f.dirty))
	for _, d := range f.dirty {
		pending = append(pending, d)
	}
	f.mu.Unlock()

	for _, d := range pending {
		writeCtx, cancel := context.WithTimeout(ctx, terminalWriteBudget)
		err := f.store.PersistTerminal(writeCtx, d.order)
		cancel()
		if err != nil {
			d.attempts++
			logger.Warn("terminal write still failing",
				zap.String("order_id", d.order.ID.String()),
				zap.Int("attempts", d.attempts),
				zap.Error(err),
			)
			if d.attempts == terminalAlertCeiling {
				apperrors.CaptureFatal(err, map[string]string{
					"order_id": d.order.ID.String(),
					"kind":     "terminal_write_stuck",
				})
			}
			continue
		}
		f.mu.Lock()
		delete(f.dirty, d.order.ID)
		dirtyOrders.Set(float64(len(f.dirty)))
		f.mu.Unlock()
	}
}
