package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

// outcome of a finished wave
type waveOutcome int

const (
	waveAccepted waveOutcome = iota
	waveAllRejected
	waveTimedOut
	waveAborted
)

// activeWave is one concurrent offer round. Three completion conditions
// rendezvous in the dispatch task's select: an acceptance, the last explicit
// rejection, or the deadline. Whichever fires first ends the wave; late
// arrivals observe ended and lose.
type activeWave struct {
	orderID  uuid.UUID
	number   int
	deadline time.Time

	mu        sync.Mutex
	ended     bool
	winner    *uuid.UUID
	offeredAt map[uuid.UUID]time.Time
	pending   map[uuid.UUID]bool
	rejected  map[uuid.UUID]models.RejectReason

	acceptCh chan uuid.UUID
	allRejCh chan struct{}
	abortCh  chan struct{}
}

func newActiveWave(orderID uuid.UUID, number int, deadline time.Time) *activeWave {
	return &activeWave{
		orderID:   orderID,
		number:    number,
		deadline:  deadline,
		offeredAt: make(map[uuid.UUID]time.Time),
		pending:   make(map[uuid.UUID]bool),
		rejected:  make(map[uuid.UUID]models.RejectReason),
		acceptCh:  make(chan uuid.UUID, 1),
		allRejCh:  make(chan struct{}, 1),
		abortCh:   make(chan struct{}),
	}
}

// addRecipient records a delivered offer.
func (w *activeWave) addRecipient(driverID uuid.UUID, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offeredAt[driverID] = at
	w.pending[driverID] = true
}

// claim result for an accept attempt against this wave
type claimResult int

const (
	claimOK claimResult = iota
	claimStale
	claimTaken
	claimRepeat // the winner accepting again
)

// tryClaim checks whether driverID may contend for the order at instant
// now. The database CAS is the final arbiter; this gate handles wave
// membership, the ended flag, and the hard deadline (a claim at or after
// the deadline loses, even if the supervisor has not sealed the wave yet).
func (w *activeWave) tryClaim(driverID uuid.UUID, now time.Time) claimResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.winner != nil {
		if *w.winner == driverID {
			return claimRepeat
		}
		return claimTaken
	}
	if w.ended {
		return claimStale
	}
	if !now.Before(w.deadline) {
		return claimStale
	}
	if _, ok := w.offeredAt[driverID]; !ok {
		return claimStale
	}
	if _, ok := w.rejected[driverID]; ok {
		return claimStale
	}
	return claimOK
}

// markRejected moves a pending recipient to the rejected set. The second
// return reports that every recipient has now rejected.
func (w *activeWave) markRejected(driverID uuid.UUID, reason models.RejectReason) (counted, all bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ended || !w.pending[driverID] {
		return false, false
	}
	delete(w.pending, driverID)
	w.rejected[driverID] = reason
	if len(w.pending) == 0 {
		select {
		case w.allRejCh <- struct{}{}:
		default:
		}
		return true, true
	}
	return true, false
}

// endAccepted seals the wave with a winner and returns every other
// recipient, for the order:cancelled(taken) fan-out.
func (w *activeWave) endAccepted(winner uuid.UUID) (losers []uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ended = true
	w.winner = &winner
	for id := range w.offeredAt {
		if id != winner {
			losers = append(losers, id)
		}
	}
	return losers
}

// endNoWinner seals the wave and returns the recipients that never replied;
// those count as TIMEOUT rejections and are excluded from later waves.
// sealed is false when an acceptance won the seal first; in that case the
// wave belongs to the winner and the caller must not escalate.
func (w *activeWave) endNoWinner() (nonResponders []uuid.UUID, sealed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.winner != nil {
		return nil, false
	}
	w.ended = true
	for id := range w.pending {
		nonResponders = append(nonResponders, id)
	}
	w.pending = make(map[uuid.UUID]bool)
	return nonResponders, true
}

// pendingRecipients snapshots who has not replied yet (for cancel fan-out
// when the order dies externally mid-wave).
func (w *activeWave) pendingRecipients() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uuid.UUID, 0, len(w.pending))
	for id := range w.pending {
		out = append(out, id)
	}
	return out
}

func (w *activeWave) offerTime(driverID uuid.UUID) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offeredAt[driverID]
}

// abort wakes the dispatch task so it stops before sending further offers.
// Safe to call more than once.
func (w *activeWave) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ended {
		w.ended = true
		close(w.abortCh)
	}
}

func (w *activeWave) isAborted() bool {
	select {
	case <-w.abortCh:
		return true
	default:
		return false
	}
}
