package geo

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory storage.Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{data: map[string]map[string]json.RawMessage{}}
}

func (m *memStore) Load(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]json.RawMessage{}
	for k, v := range m.data[collection] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Replace(_ context.Context, collection string, records map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]json.RawMessage, len(records))
	for k, v := range records {
		cp[k] = v
	}
	m.data[collection] = cp
	return nil
}

func (m *memStore) Close() error { return nil }

type fakeGeocoder struct {
	mu     sync.Mutex
	calls  int
	last   string
	points map[string]Point
}

func (g *fakeGeocoder) Lookup(_ context.Context, query string) (Point, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = query
	p, ok := g.points[query]
	return p, ok, nil
}

func (g *fakeGeocoder) lastQuery() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *fakeGeocoder) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestCache(now *time.Time) (*Cache, *fakeGeocoder) {
	// Keyed on the exact outbound query: Resolve sends the raw-case query
	// with the country suffix, not the normalized cache key.
	gc := &fakeGeocoder{points: map[string]Point{
		"Moscow, Russia": {Lat: 55.75, Lon: 37.62},
	}}
	c := NewCache(CacheOptions{
		Store:    newMemStore(),
		Geocoder: gc,
		TTL:      DefaultTTL,
		Country:  "Russia",
		Now:      func() time.Time { return *now },
	})
	return c, gc
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw, country, want string
	}{
		{"Moscow", "Russia", "moscow,russia"},
		{"  MOSCOW  ", "Russia", "moscow,russia"},
		{"Nizhny   Novgorod", "Russia", "nizhny novgorod,russia"},
		{"Moscow", "", "moscow"},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.raw, tt.country); got != tt.want {
			t.Fatalf("NormalizeKey(%q, %q) = %q, want %q", tt.raw, tt.country, got, tt.want)
		}
	}
}

func TestCacheExpiredEntryIsAbsent(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	if err := c.Put(ctx, "Moscow", Point{Lat: 55.75, Lon: 37.62}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := c.Get("moscow"); !ok {
		t.Fatal("fresh entry should be a hit")
	}

	now = now.Add(DefaultTTL + time.Second)
	if _, ok := c.Get("Moscow"); ok {
		t.Fatal("expired entry must behave as absent")
	}
	// Expired but not yet swept: the record is still physically present.
	if c.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (inert record retained)", c.Size())
	}
}

func TestClearExpiredRemovesExactlyExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	if err := c.Put(ctx, "Old Town", Point{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(DefaultTTL + time.Hour)
	if err := c.Put(ctx, "New Town", Point{Lat: 2, Lon: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := c.ClearExpired(ctx)
	if err != nil {
		t.Fatalf("ClearExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if c.Size() != 1 {
		t.Fatalf("Size = %d, want 1", c.Size())
	}
	if _, ok := c.Get("New Town"); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}

	// Idempotent.
	removed, err = c.ClearExpired(ctx)
	if err != nil {
		t.Fatalf("ClearExpired second run: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second sweep removed = %d, want 0", removed)
	}
}

func TestResolveCachesLookups(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c, gc := newTestCache(&now)
	ctx := context.Background()

	p, found, err := c.Resolve(ctx, "Moscow")
	if err != nil || !found {
		t.Fatalf("Resolve: found=%v err=%v", found, err)
	}
	if p.Lat != 55.75 {
		t.Fatalf("lat = %v, want 55.75", p.Lat)
	}
	if got := gc.lastQuery(); got != "Moscow, Russia" {
		t.Fatalf("geocoder query = %q, want raw-case %q", got, "Moscow, Russia")
	}
	if _, found, err = c.Resolve(ctx, "  moscow "); err != nil || !found {
		t.Fatalf("Resolve (cached): found=%v err=%v", found, err)
	}
	if gc.callCount() != 1 {
		t.Fatalf("geocoder calls = %d, want 1 (second resolve must hit cache)", gc.callCount())
	}
}

func TestResolveNegativeNotCached(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c, gc := newTestCache(&now)
	ctx := context.Background()

	_, found, err := c.Resolve(ctx, "Atlantis")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if found {
		t.Fatal("unknown place should resolve as absent")
	}
	if c.Size() != 0 {
		t.Fatalf("negative result must not be cached, Size = %d", c.Size())
	}
	_ = gc
}

func TestCachePersistsAcrossReload(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	c1 := NewCache(CacheOptions{Store: store, TTL: DefaultTTL, Country: "Russia",
		Now: func() time.Time { return now }})
	if err := c1.Put(context.Background(), "Moscow", Point{Lat: 55.75, Lon: 37.62}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c2 := NewCache(CacheOptions{Store: store, TTL: DefaultTTL, Country: "Russia",
		Now: func() time.Time { return now }})
	if err := c2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := c2.Get("Moscow")
	if !ok || p.Lat != 55.75 {
		t.Fatalf("reloaded cache missed: ok=%v p=%v", ok, p)
	}
}

func TestCacheLoadSkipsCorruptRecords(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.data["geocache"] = map[string]json.RawMessage{
		"good,russia": json.RawMessage(`{"lat":1,"lon":2,"timestamp":` + jsonInt(now.Unix()) + `}`),
		"bad,russia":  json.RawMessage(`"not an object"`),
	}

	c := NewCache(CacheOptions{Store: store, TTL: DefaultTTL, Country: "Russia",
		Now: func() time.Time { return now }})
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (corrupt record skipped)", c.Size())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCache(&now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch j % 3 {
				case 0:
					_ = c.Put(ctx, "Moscow", Point{Lat: 55.75, Lon: 37.62})
				case 1:
					if p, ok := c.Get("Moscow"); ok && p.Lat != 55.75 {
						t.Errorf("got foreign value %v for key moscow", p)
					}
				default:
					_, _ = c.ClearExpired(ctx)
				}
			}
		}(i)
	}
	wg.Wait()

	p, ok := c.Get("Moscow")
	if !ok || p.Lat != 55.75 {
		t.Fatalf("final state corrupted: ok=%v p=%v", ok, p)
	}
}

func TestDistanceMoscowPetersburg(t *testing.T) {
	t.Parallel()
	moscow := Point{Lat: 55.7558, Lon: 37.6173}
	spb := Point{Lat: 59.9343, Lon: 30.3351}
	d := Distance(moscow, spb)
	if math.Abs(d-634) > 10 {
		t.Fatalf("distance = %.1f km, want ~634 km", d)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
