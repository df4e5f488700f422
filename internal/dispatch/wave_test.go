package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

var waveBase = time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)

func waveWithRecipients(n int) (*activeWave, []uuid.UUID) {
	w := newActiveWave(uuid.New(), 1, waveBase.Add(20*time.Second))
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		w.addRecipient(ids[i], waveBase)
	}
	return w, ids
}

func TestTryClaimMembership(t *testing.T) {
	w, ids := waveWithRecipients(2)

	if got := w.tryClaim(uuid.New(), waveBase); got != claimStale {
		t.Fatalf("outsider claim = %v, want stale", got)
	}
	if got := w.tryClaim(ids[0], waveBase); got != claimOK {
		t.Fatalf("recipient claim = %v, want ok", got)
	}

	// a driver who rejected cannot change their mind
	w.markRejected(ids[1], models.RejectTooFar)
	if got := w.tryClaim(ids[1], waveBase); got != claimStale {
		t.Fatalf("claim after own rejection = %v, want stale", got)
	}
}

func TestTryClaimDeadlineBoundary(t *testing.T) {
	w, ids := waveWithRecipients(2)
	deadline := waveBase.Add(20 * time.Second)

	if got := w.tryClaim(ids[0], deadline.Add(-time.Millisecond)); got != claimOK {
		t.Fatalf("claim just before deadline = %v, want ok", got)
	}
	// the deadline itself is already too late
	if got := w.tryClaim(ids[1], deadline); got != claimStale {
		t.Fatalf("claim at deadline = %v, want stale", got)
	}
	if got := w.tryClaim(ids[1], deadline.Add(time.Millisecond)); got != claimStale {
		t.Fatalf("claim after deadline = %v, want stale", got)
	}
}

func TestClaimAfterWinner(t *testing.T) {
	w, ids := waveWithRecipients(3)
	w.endAccepted(ids[0])

	if got := w.tryClaim(ids[0], waveBase); got != claimRepeat {
		t.Fatalf("winner re-claim = %v, want repeat", got)
	}
	if got := w.tryClaim(ids[1], waveBase); got != claimTaken {
		t.Fatalf("loser claim = %v, want taken", got)
	}
}

func TestEndAcceptedReturnsLosers(t *testing.T) {
	w, ids := waveWithRecipients(3)
	losers := w.endAccepted(ids[1])
	if len(losers) != 2 {
		t.Fatalf("losers = %d, want 2", len(losers))
	}
	for _, id := range losers {
		if id == ids[1] {
			t.Fatal("winner listed among losers")
		}
	}
}

func TestMarkRejectedSignalsOnLast(t *testing.T) {
	w, ids := waveWithRecipients(3)

	if counted, all := w.markRejected(ids[0], models.RejectTooFar); !counted || all {
		t.Fatalf("first rejection: counted=%v all=%v", counted, all)
	}
	if counted, all := w.markRejected(ids[1], models.RejectLowFare); !counted || all {
		t.Fatalf("second rejection: counted=%v all=%v", counted, all)
	}

	select {
	case <-w.allRejCh:
		t.Fatal("all-rejected fired early")
	default:
	}

	if counted, all := w.markRejected(ids[2], models.RejectBusy); !counted || !all {
		t.Fatalf("last rejection: counted=%v all=%v", counted, all)
	}
	select {
	case <-w.allRejCh:
	default:
		t.Fatal("all-rejected never fired")
	}
}

func TestMarkRejectedIdempotent(t *testing.T) {
	w, ids := waveWithRecipients(2)
	if counted, _ := w.markRejected(ids[0], models.RejectTooFar); !counted {
		t.Fatal("first rejection not counted")
	}
	if counted, _ := w.markRejected(ids[0], models.RejectTooFar); counted {
		t.Fatal("duplicate rejection counted")
	}
	if counted, _ := w.markRejected(uuid.New(), models.RejectOther); counted {
		t.Fatal("non-recipient rejection counted")
	}
}

func TestEndNoWinnerReportsNonResponders(t *testing.T) {
	w, ids := waveWithRecipients(3)
	w.markRejected(ids[0], models.RejectTooFar)

	silent, sealed := w.endNoWinner()
	if !sealed {
		t.Fatal("winnerless wave did not seal")
	}
	if len(silent) != 2 {
		t.Fatalf("non-responders = %d, want 2", len(silent))
	}
	for _, id := range silent {
		if id == ids[0] {
			t.Fatal("explicit rejector reported as non-responder")
		}
	}

	// the wave is sealed: nobody can claim or reject anymore
	if got := w.tryClaim(ids[1], waveBase); got != claimStale {
		t.Fatalf("claim after seal = %v, want stale", got)
	}
	if counted, _ := w.markRejected(ids[2], models.RejectBusy); counted {
		t.Fatal("rejection counted after seal")
	}
}

func TestEndNoWinnerYieldsToWinner(t *testing.T) {
	w, ids := waveWithRecipients(3)
	w.endAccepted(ids[0])

	// the timeout path racing a just-recorded acceptance must back off
	silent, sealed := w.endNoWinner()
	if sealed {
		t.Fatal("timeout sealed a wave that already has a winner")
	}
	if silent != nil {
		t.Fatalf("non-responders = %v, want none", silent)
	}
	if got := w.tryClaim(ids[0], waveBase); got != claimRepeat {
		t.Fatalf("winner re-claim after timeout race = %v, want repeat", got)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	w, _ := waveWithRecipients(1)
	w.abort()
	w.abort() // second call must not re-close the channel
	if !w.isAborted() {
		t.Fatal("abort not observable")
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	w, ids := waveWithRecipients(10)

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(driver uuid.UUID) {
			defer wg.Done()
			if w.tryClaim(driver, waveBase) != claimOK {
				return
			}
			// the store CAS is the real arbiter; here the first sealer wins
			mu.Lock()
			defer mu.Unlock()
			if winners == 0 {
				w.endAccepted(driver)
				winners++
			}
		}(id)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.winner == nil {
		t.Fatal("no winner recorded")
	}
}
