package hotzone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

type fakeStore struct {
	mu     sync.Mutex
	zones  []models.HotZone
	quotas []models.ZoneQuota
}

func (s *fakeStore) ListActiveZones(ctx context.Context) ([]models.HotZone, error) {
	return s.zones, nil
}

func (s *fakeStore) UpsertQuota(ctx context.Context, quota models.ZoneQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas = append(s.quotas, quota)
	return nil
}

type fakeWaiter struct {
	admitted chan Admission
	timedOut chan struct{}
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{admitted: make(chan Admission, 1), timedOut: make(chan struct{}, 1)}
}

func (w *fakeWaiter) OnAdmit(adm Admission) { w.admitted <- adm }
func (w *fakeWaiter) OnTimeout()            { w.timedOut <- struct{}{} }

func testZone(name string, mutate func(*models.HotZone)) models.HotZone {
	z := models.HotZone{
		ID:                  uuid.New(),
		Name:                name,
		CenterLatitude:      23.99,
		CenterLongitude:     121.60,
		RadiusKm:            2.0,
		QuotaNormal:         10,
		QuotaPeak:           10,
		SurgeThreshold:      0.8,
		MaxSurgeMultiplier:  1.5,
		SurgeStep:           0.1,
		QueueTimeoutMinutes: 10,
		Active:              true,
	}
	if mutate != nil {
		mutate(&z)
	}
	return z
}

func newTestEngine(t *testing.T, clk clock.Clock, zones ...models.HotZone) *Engine {
	t.Helper()
	e := NewEngine(clk, &fakeStore{zones: zones}, nil)
	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return e
}

func testNow() time.Time {
	return time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
}

func TestReserveOutsideAnyZone(t *testing.T) {
	e := newTestEngine(t, clock.NewFake(testNow()))

	adm, pos, err := e.Reserve(context.Background(), 23.99, 121.60, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if pos != 0 || adm == nil || adm.ZoneName != "" || adm.Surge != 1.0 {
		t.Fatalf("expected free admission, got adm=%+v pos=%d", adm, pos)
	}
}

func TestReserveZoneFull(t *testing.T) {
	zone := testZone("EastMarket", func(z *models.HotZone) {
		z.PeakHours = []int{10}
		z.QuotaPeak = 3
		z.QueueEnabled = false
	})
	e := newTestEngine(t, clock.NewFake(testNow()), zone)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	adm, _, err := e.Reserve(ctx, 23.99, 121.60, nil)
	if adm != nil {
		t.Fatalf("expected no admission, got %+v", adm)
	}
	if common.CodeOf(err) != common.CodeZoneFull {
		t.Fatalf("expected ZONE_FULL, got %v", err)
	}
}

func TestReserveSurgePricing(t *testing.T) {
	e := newTestEngine(t, clock.NewFake(testNow()), testZone("Station", nil))
	ctx := context.Background()

	var last *Admission
	for i := 0; i < 10; i++ {
		adm, _, err := e.Reserve(ctx, 23.99, 121.60, nil)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		last = adm
	}

	// tenth admission priced at used=9, u=0.9
	if last.Surge != 1.1 {
		t.Fatalf("expected surge 1.1 on tenth admission, got %v", last.Surge)
	}
	if last.ZoneName != "Station" {
		t.Fatalf("expected zone Station, got %q", last.ZoneName)
	}
}

func TestSurgeMonotonicWithinHour(t *testing.T) {
	clk := clock.NewFake(testNow())
	e := newTestEngine(t, clk, testZone("Station", nil))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	e.Release(ctx, "Station", clk.Now())
	e.Release(ctx, "Station", clk.Now())

	status, ok := e.Check(23.99, 121.60)
	if !ok {
		t.Fatal("expected point inside Station")
	}
	if status.Used != 8 {
		t.Fatalf("expected used 8 after releases, got %d", status.Used)
	}
	if status.Surge != 1.1 {
		t.Fatalf("surge must not drop within the hour, got %v", status.Surge)
	}

	// hour roll resets the multiplier with the fresh counter
	clk.Advance(time.Hour)
	status, _ = e.Check(23.99, 121.60)
	if status.Used != 0 || status.Surge != 1.0 {
		t.Fatalf("expected fresh counter after hour roll, got %+v", status)
	}
}

func TestReleaseRestoresTicket(t *testing.T) {
	zone := testZone("Harbor", func(z *models.HotZone) { z.QuotaNormal = 1 })
	clk := clock.NewFake(testNow())
	e := newTestEngine(t, clk, zone)
	ctx := context.Background()

	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); common.CodeOf(err) != common.CodeZoneFull {
		t.Fatalf("expected ZONE_FULL, got %v", err)
	}

	e.Release(ctx, "Harbor", clk.Now())
	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestOverlapResolvesOnPriority(t *testing.T) {
	low := testZone("Downtown", func(z *models.HotZone) { z.Priority = 1 })
	high := testZone("Arena", func(z *models.HotZone) {
		z.Priority = 5
		z.QuotaNormal = 1
	})
	e := newTestEngine(t, clock.NewFake(testNow()), low, high)
	ctx := context.Background()

	adm, _, err := e.Reserve(ctx, 23.99, 121.60, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if adm.ZoneName != "Arena" {
		t.Fatalf("expected higher-priority zone Arena, got %q", adm.ZoneName)
	}

	// Arena is now full and accounts the rejection, even though Downtown has room.
	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); common.CodeOf(err) != common.CodeZoneFull {
		t.Fatalf("expected ZONE_FULL from Arena, got %v", err)
	}
}

func TestQueueAdmitsOnRelease(t *testing.T) {
	zone := testZone("Stadium", func(z *models.HotZone) {
		z.QuotaNormal = 1
		z.QueueEnabled = true
		z.MaxQueueSize = 5
	})
	clk := clock.NewFake(testNow())
	e := newTestEngine(t, clk, zone)
	ctx := context.Background()

	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	w := newFakeWaiter()
	adm, pos, err := e.Reserve(ctx, 23.99, 121.60, w)
	if err != nil {
		t.Fatalf("queued reserve: %v", err)
	}
	if adm != nil || pos != 1 {
		t.Fatalf("expected queue position 1, got adm=%+v pos=%d", adm, pos)
	}

	e.Release(ctx, "Stadium", clk.Now())
	select {
	case got := <-w.admitted:
		if got.ZoneName != "Stadium" {
			t.Fatalf("admitted into %q", got.ZoneName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not admitted after release")
	}
}

func TestQueueTimesOut(t *testing.T) {
	zone := testZone("Stadium", func(z *models.HotZone) {
		z.QuotaNormal = 1
		z.QueueEnabled = true
		z.MaxQueueSize = 5
		z.QueueTimeoutMinutes = 10
	})
	clk := clock.NewFake(testNow())
	e := newTestEngine(t, clk, zone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	w := newFakeWaiter()
	if _, pos, err := e.Reserve(ctx, 23.99, 121.60, w); err != nil || pos != 1 {
		t.Fatalf("queued reserve: pos=%d err=%v", pos, err)
	}

	go e.Run(ctx, time.Minute)
	time.Sleep(10 * time.Millisecond) // let the sweeper arm its timer
	clk.Advance(11 * time.Minute)

	select {
	case <-w.timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not time out")
	}
}

func TestQueueAdmitsOnHourRoll(t *testing.T) {
	zone := testZone("Stadium", func(z *models.HotZone) {
		z.QuotaNormal = 1
		z.QueueEnabled = true
		z.MaxQueueSize = 5
		z.QueueTimeoutMinutes = 60
	})
	clk := clock.NewFake(testNow())
	e := newTestEngine(t, clk, zone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	w := newFakeWaiter()
	if _, pos, err := e.Reserve(ctx, 23.99, 121.60, w); err != nil || pos != 1 {
		t.Fatalf("queued reserve: pos=%d err=%v", pos, err)
	}

	go e.Run(ctx, time.Minute)
	time.Sleep(10 * time.Millisecond)
	clk.Advance(35 * time.Minute) // crosses 11:00, fresh counter

	select {
	case got := <-w.admitted:
		if got.Surge != 1.0 {
			t.Fatalf("fresh hour should price at 1.0, got %v", got.Surge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not admitted after hour roll")
	}
}

func TestQueueFullRejects(t *testing.T) {
	zone := testZone("Stadium", func(z *models.HotZone) {
		z.QuotaNormal = 1
		z.QueueEnabled = true
		z.MaxQueueSize = 1
	})
	e := newTestEngine(t, clock.NewFake(testNow()), zone)
	ctx := context.Background()

	if _, _, err := e.Reserve(ctx, 23.99, 121.60, nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, pos, err := e.Reserve(ctx, 23.99, 121.60, newFakeWaiter()); err != nil || pos != 1 {
		t.Fatalf("queued reserve: pos=%d err=%v", pos, err)
	}
	if _, _, err := e.Reserve(ctx, 23.99, 121.60, newFakeWaiter()); common.CodeOf(err) != common.CodeZoneFull {
		t.Fatalf("expected ZONE_FULL once queue is full, got %v", err)
	}
}
