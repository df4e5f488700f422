package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

type statusWrite struct {
	driverID uuid.UUID
	status   models.DriverAvailability
}

type fakePresenceStore struct {
	mu       sync.Mutex
	statuses []statusWrite
	locs     []models.DriverLocation
}

func (s *fakePresenceStore) UpdateDriverStatus(_ context.Context, driverID uuid.UUID, status models.DriverAvailability, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusWrite{driverID: driverID, status: status})
	return nil
}

func (s *fakePresenceStore) UpdateDriverLocation(_ context.Context, loc models.DriverLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locs = append(s.locs, loc)
	return nil
}

func (s *fakePresenceStore) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake, *fakePresenceStore) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC))
	store := &fakePresenceStore{}
	batcher := NewBatcher(store, time.Hour)
	t.Cleanup(batcher.Stop)
	return NewRegistry(clk, 5*time.Minute, nil, batcher), clk, store
}

func TestOnlineDriverIsQueryable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 30, 90)

	got := r.QueryAvailable(23.99, 121.60, 5)
	if len(got) != 1 || got[0].DriverID != id {
		t.Fatalf("query = %v", got)
	}
	if got[0].Location == nil || got[0].Location.Speed != 30 {
		t.Fatal("location snapshot missing")
	}
}

func TestQueryExcludesStaleHeartbeats(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)

	clk.Advance(5*time.Minute + time.Second)
	if got := r.QueryAvailable(23.99, 121.60, 5); len(got) != 0 {
		t.Fatal("stale driver still dispatchable")
	}

	// a fresh tick revives them
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)
	if got := r.QueryAvailable(23.99, 121.60, 5); len(got) != 1 {
		t.Fatal("fresh heartbeat not honored")
	}
}

func TestQueryRadiusAndOrdering(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	near, far, outside := uuid.New(), uuid.New(), uuid.New()
	for id, loc := range map[uuid.UUID][2]float64{
		near:    {23.991, 121.601},
		far:     {24.010, 121.620},
		outside: {24.500, 122.000},
	} {
		r.SetOnline(ctx, id)
		r.UpdateLocation(ctx, id, loc[0], loc[1], 0, 0)
	}

	got := r.QueryAvailable(23.99, 121.60, 5)
	if len(got) != 2 {
		t.Fatalf("within radius = %d, want 2", len(got))
	}
	if got[0].DriverID != near || got[1].DriverID != far {
		t.Fatal("results not ordered closest first")
	}
}

func TestRestingDriverNotDispatchable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)
	if err := r.SetStatus(ctx, id, models.DriverRest); err != nil {
		t.Fatal(err)
	}

	if got := r.QueryAvailable(23.99, 121.60, 5); len(got) != 0 {
		t.Fatal("resting driver offered")
	}
}

func TestAvailableRefusedWhileHoldingOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()
	orderID := uuid.New()

	r.SetOnline(ctx, id)
	r.AssignOrder(ctx, id, orderID)

	if err := r.SetStatus(ctx, id, models.DriverAvailable); err != ErrHoldingOrder {
		t.Fatalf("err = %v, want ErrHoldingOrder", err)
	}

	current, ok := r.CurrentOrder(id)
	if !ok || current != orderID {
		t.Fatal("assignment lost")
	}
}

func TestAssignOrderRefusesSecondOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()
	first, second := uuid.New(), uuid.New()

	r.SetOnline(ctx, id)
	if err := r.AssignOrder(ctx, id, first); err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	if err := r.AssignOrder(ctx, id, second); err != ErrHoldingOrder {
		t.Fatalf("second assignment err = %v, want ErrHoldingOrder", err)
	}

	// the held order survives the refused attempt
	current, ok := r.CurrentOrder(id)
	if !ok || current != first {
		t.Fatalf("current order = %v, want %v", current, first)
	}

	// re-assigning the order already held is a harmless repeat
	if err := r.AssignOrder(ctx, id, first); err != nil {
		t.Fatalf("same-order repeat err = %v", err)
	}
}

func TestClearOrderCompletion(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.AssignOrder(ctx, id, uuid.New())
	r.ClearOrder(ctx, id, true)

	snap, _ := r.Get(id)
	if snap.Availability != models.DriverAvailable {
		t.Fatalf("availability = %s, want available after completion", snap.Availability)
	}
	if _, ok := r.CurrentOrder(id); ok {
		t.Fatal("order not cleared")
	}

	// non-completion clear keeps the driver off rotation
	r.AssignOrder(ctx, id, uuid.New())
	r.ClearOrder(ctx, id, false)
	snap, _ = r.Get(id)
	if snap.Availability == models.DriverAvailable {
		t.Fatal("blocked-path clear must not restore AVAILABLE")
	}
}

func TestDisconnectTakesDriverOffline(t *testing.T) {
	r, _, store := newTestRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)
	r.OnDisconnect(ctx, id)

	snap, ok := r.Get(id)
	if !ok || snap.Availability != models.DriverOffline {
		t.Fatal("disconnect did not go offline")
	}
	if got := r.QueryAvailable(23.99, 121.60, 5); len(got) != 0 {
		t.Fatal("offline driver still visible")
	}

	// both the online and offline edges were flushed immediately
	if store.statusCount() < 2 {
		t.Fatalf("status writes = %d, want the online and offline edges", store.statusCount())
	}
}

// fakeGeo is an in-memory stand-in for the Redis GEO index. Membership is
// tracked but radius math is not; GeoRadius returns every member so tests
// control visibility through the registry filter.
type fakeGeo struct {
	mu      sync.Mutex
	members map[string]bool
	radErr  error
	queries int
}

func newFakeGeo() *fakeGeo { return &fakeGeo{members: make(map[string]bool)} }

func (f *fakeGeo) SetWithExpiration(context.Context, string, interface{}, time.Duration) error {
	return nil
}
func (f *fakeGeo) GetString(context.Context, string) (string, error)   { return "", nil }
func (f *fakeGeo) Delete(context.Context, ...string) error             { return nil }
func (f *fakeGeo) Exists(context.Context, string) (bool, error)        { return false, nil }
func (f *fakeGeo) Incr(context.Context, string) (int64, error)         { return 0, nil }
func (f *fakeGeo) Expire(context.Context, string, time.Duration) error { return nil }
func (f *fakeGeo) Close() error                                        { return nil }

func (f *fakeGeo) GeoAdd(_ context.Context, _ string, _, _ float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[member] = true
	return nil
}

func (f *fakeGeo) GeoRadius(context.Context, string, float64, float64, float64, int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.radErr != nil {
		return nil, f.radErr
	}
	out := make([]string, 0, len(f.members))
	for m := range f.members {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeGeo) GeoRemove(_ context.Context, _ string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, member)
	return nil
}

func newGeoRegistry(t *testing.T) (*Registry, *clock.Fake, *fakeGeo) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC))
	batcher := NewBatcher(&fakePresenceStore{}, time.Hour)
	t.Cleanup(batcher.Stop)
	geo := newFakeGeo()
	return NewRegistry(clk, 5*time.Minute, geo, batcher), clk, geo
}

func TestQueryNearbyUsesGeoIndex(t *testing.T) {
	r, _, geo := newGeoRegistry(t)
	ctx := context.Background()

	available := uuid.New()
	busy := uuid.New()
	r.SetOnline(ctx, available)
	r.UpdateLocation(ctx, available, 23.99, 121.60, 0, 0)
	r.SetOnline(ctx, busy)
	r.UpdateLocation(ctx, busy, 23.99, 121.61, 0, 0)
	if err := r.AssignOrder(ctx, busy, uuid.New()); err != nil {
		t.Fatal(err)
	}

	got := r.QueryNearby(ctx, 23.99, 121.60, 5)
	if len(got) != 1 || got[0].DriverID != available {
		t.Fatalf("nearby = %v, want only the available driver", got)
	}
	if geo.queries == 0 {
		t.Fatal("geo index never queried")
	}
}

func TestQueryNearbyFiltersStaleIndexMembers(t *testing.T) {
	r, clk, _ := newGeoRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)

	clk.Advance(5*time.Minute + time.Second)
	if got := r.QueryNearby(ctx, 23.99, 121.60, 5); len(got) != 0 {
		t.Fatalf("stale index member leaked: %v", got)
	}
}

func TestQueryNearbyFallsBackOnIndexError(t *testing.T) {
	r, _, geo := newGeoRegistry(t)
	ctx := context.Background()
	id := uuid.New()

	r.SetOnline(ctx, id)
	r.UpdateLocation(ctx, id, 23.99, 121.60, 0, 0)

	geo.mu.Lock()
	geo.radErr = context.DeadlineExceeded
	geo.mu.Unlock()

	got := r.QueryNearby(ctx, 23.99, 121.60, 5)
	if len(got) != 1 || got[0].DriverID != id {
		t.Fatalf("fallback scan = %v, want the in-memory driver", got)
	}
}

type captureBroadcaster struct {
	mu    sync.Mutex
	calls [][]models.DriverLocation
}

func (b *captureBroadcaster) NearbyDrivers(drivers []models.DriverLocation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, drivers)
}

func TestAnnounceNearbyOnlyAvailable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	bcast := &captureBroadcaster{}
	r.SetBroadcaster(bcast)

	visible := uuid.New()
	busy := uuid.New()
	r.SetOnline(ctx, visible)
	r.UpdateLocation(ctx, visible, 23.99, 121.60, 0, 0)
	r.SetOnline(ctx, busy)
	r.UpdateLocation(ctx, busy, 23.99, 121.61, 0, 0)
	_ = r.SetStatus(ctx, busy, models.DriverRest)

	r.AnnounceNearby()

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.calls) != 1 {
		t.Fatalf("broadcasts = %d", len(bcast.calls))
	}
	if len(bcast.calls[0]) != 1 || bcast.calls[0][0].DriverID != visible {
		t.Fatalf("visible set = %v", bcast.calls[0])
	}
}
