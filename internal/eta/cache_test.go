package eta

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	"github.com/eastrift/fleet-dispatch/pkg/redis"
)

var (
	testOrigin = models.GeoPoint{Latitude: 23.9931, Longitude: 121.6013}
	testDest   = models.GeoPoint{Latitude: 23.9872, Longitude: 121.6062}
)

func newTestService(t *testing.T) (*Service, redismock.ClientMock, *clock.Fake) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	clk := clock.NewFake(time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC))
	svc := NewService(redis.NewFromRedis(db), nil, clk, time.Hour, 1e-4, 40)
	return svc, mock, clk
}

func TestLookupMissFallsBackToGreatCircle(t *testing.T) {
	svc, mock, clk := newTestService(t)
	key := svc.cacheKey(testOrigin, testDest, 10)

	wantKm := geo.DistanceKm(testOrigin.Latitude, testOrigin.Longitude, testDest.Latitude, testDest.Longitude)
	wantSecs := geo.TravelSeconds(wantKm, 40)
	entry := cachedEntry{
		Estimate: Estimate{
			DistanceMeters:           int(wantKm * 1000),
			DurationSeconds:          wantSecs,
			DurationInTrafficSeconds: wantSecs,
			Source:                   "great_circle",
		},
		CachedAt: clk.Now(),
	}
	raw, _ := json.Marshal(entry)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, string(raw), time.Hour).SetVal("OK")

	got := svc.Lookup(context.Background(), testOrigin, testDest)
	if got.Source != "great_circle" {
		t.Fatalf("expected great_circle estimate, got %q", got.Source)
	}
	if got.DurationSeconds != wantSecs {
		t.Fatalf("duration = %d, want %d", got.DurationSeconds, wantSecs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLookupHitBumpsCounter(t *testing.T) {
	svc, mock, _ := newTestService(t)
	key := svc.cacheKey(testOrigin, testDest, 10)

	cached := cachedEntry{Estimate: Estimate{
		DistanceMeters:  1234,
		DurationSeconds: 180,
		Source:          "provider",
	}}
	raw, _ := json.Marshal(cached)

	mock.ExpectGet(key).SetVal(string(raw))
	mock.ExpectIncr(key + ":hits").SetVal(3)
	mock.ExpectExpire(key+":hits", time.Hour).SetVal(true)

	got := svc.Lookup(context.Background(), testOrigin, testDest)
	if got.DistanceMeters != 1234 || got.DurationSeconds != 180 {
		t.Fatalf("unexpected cached estimate %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLookupDropsCorruptEntry(t *testing.T) {
	svc, mock, clk := newTestService(t)
	key := svc.cacheKey(testOrigin, testDest, 10)

	mock.ExpectGet(key).SetVal("{not json")
	mock.ExpectDel(key).SetVal(1)

	wantKm := geo.DistanceKm(testOrigin.Latitude, testOrigin.Longitude, testDest.Latitude, testDest.Longitude)
	wantSecs := geo.TravelSeconds(wantKm, 40)
	entry := cachedEntry{
		Estimate: Estimate{
			DistanceMeters:           int(wantKm * 1000),
			DurationSeconds:          wantSecs,
			DurationInTrafficSeconds: wantSecs,
			Source:                   "great_circle",
		},
		CachedAt: clk.Now(),
	}
	raw, _ := json.Marshal(entry)
	mock.ExpectSet(key, string(raw), time.Hour).SetVal("OK")

	got := svc.Lookup(context.Background(), testOrigin, testDest)
	if got.Source != "great_circle" {
		t.Fatalf("expected recomputed estimate, got %q", got.Source)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCacheKeyQuantizes(t *testing.T) {
	svc, _, _ := newTestService(t)

	a := svc.cacheKey(models.GeoPoint{Latitude: 23.99314, Longitude: 121.60131}, testDest, 10)
	b := svc.cacheKey(models.GeoPoint{Latitude: 23.99312, Longitude: 121.60129}, testDest, 10)
	if a != b {
		t.Fatalf("nearby origins should share a key:\n%s\n%s", a, b)
	}

	c := svc.cacheKey(testOrigin, testDest, 11)
	if a == c {
		t.Fatal("different hours must not share a key")
	}
}
