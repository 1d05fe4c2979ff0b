package geo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"maptrack/internal/metrics"
	"maptrack/internal/storage"
	logx "maptrack/pkg/logx"
)

const DefaultTTL = 30 * 24 * time.Hour

// Record is the persisted form of one cache entry. Entries are never
// mutated in place: a fresh lookup for the same key overwrites the record
// with a new timestamp.
type Record struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Query     string  `json:"query,omitempty"`
	CreatedAt int64   `json:"timestamp"` // unix seconds
}

type CacheOptions struct {
	Store    storage.Store
	Geocoder Geocoder
	TTL      time.Duration
	Country  string
	Log      logx.Logger
	Metrics  metrics.Sink

	// Now overrides the clock; tests use it to age entries.
	Now func() time.Time
}

// Cache is the time-boxed geocode cache.
//
// Reads take the read lock and may interleave freely. Writes (Put, the
// eviction sweep, and the persistence they imply) are mutually exclusive,
// so a reader never observes a partially written snapshot.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Record

	store    storage.Store
	geocoder Geocoder
	ttl      time.Duration
	country  string
	log      logx.Logger
	sink     metrics.Sink
	now      func() time.Time
}

func NewCache(opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Country == "" {
		opts.Country = "Russia"
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:  map[string]Record{},
		store:    opts.Store,
		geocoder: opts.Geocoder,
		ttl:      opts.TTL,
		country:  opts.Country,
		log:      opts.Log,
		sink:     opts.Metrics,
		now:      opts.Now,
	}
}

// Load reads the persisted cache. Records that fail to decode are skipped
// and logged; a corrupt snapshot degrades to an empty cache rather than
// failing startup.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	raw, err := c.store.Load(ctx, storage.CollectionGeocache)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			c.log.Warn("geocache snapshot corrupt; starting empty", logx.Err(err))
			return nil
		}
		return err
	}

	entries := make(map[string]Record, len(raw))
	for key, doc := range raw {
		var rec Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			c.log.Warn("skipping corrupt geocache record", logx.String("key", key), logx.Err(err))
			continue
		}
		entries[key] = rec
	}

	c.mu.Lock()
	c.entries = entries
	size := len(c.entries)
	c.mu.Unlock()

	c.sink.Set(metrics.MetricGeocacheSize, float64(size), nil)
	c.log.Info("geocache loaded", logx.Int("entries", size))
	return nil
}

// Get returns the cached coordinates for a raw query. Entries older than
// the TTL behave as absent even while the record still physically exists.
func (c *Cache) Get(raw string) (Point, bool) {
	key := NormalizeKey(raw, c.country)
	now := c.now()

	c.mu.RLock()
	rec, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || now.Sub(time.Unix(rec.CreatedAt, 0)) >= c.ttl {
		c.sink.Inc(metrics.MetricGeocacheMisses, nil)
		return Point{}, false
	}
	c.sink.Inc(metrics.MetricGeocacheHits, nil)
	return Point{Lat: rec.Lat, Lon: rec.Lon}, true
}

// Put inserts or overwrites the entry for the normalized key, stamped with
// the current time, and persists the snapshot atomically.
func (c *Cache) Put(ctx context.Context, raw string, p Point) error {
	key := NormalizeKey(raw, c.country)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Record{Lat: p.Lat, Lon: p.Lon, Query: raw, CreatedAt: c.now().Unix()}
	c.sink.Set(metrics.MetricGeocacheSize, float64(len(c.entries)), nil)
	return c.persistLocked(ctx)
}

// ClearExpired physically removes entries past the TTL and reports how
// many were dropped. Idempotent; safe to run concurrently with Get/Put.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, rec := range c.entries {
		if now.Sub(time.Unix(rec.CreatedAt, 0)) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	c.sink.Set(metrics.MetricGeocacheSize, float64(len(c.entries)), nil)
	return removed, c.persistLocked(ctx)
}

// Resolve is the combined lookup: cache hit, or external geocode + Put.
// A negative geocoder result is returned as absent and not cached.
func (c *Cache) Resolve(ctx context.Context, raw string) (Point, bool, error) {
	if p, ok := c.Get(raw); ok {
		return p, true, nil
	}
	if c.geocoder == nil {
		return Point{}, false, nil
	}

	query := raw
	if c.country != "" {
		query = raw + ", " + c.country
	}
	start := time.Now()
	p, found, err := c.geocoder.Lookup(ctx, query)
	if err != nil {
		return Point{}, false, err
	}
	c.sink.Observe(metrics.MetricGeocodingDuration, time.Since(start).Seconds(), nil)
	if !found {
		return Point{}, false, nil
	}

	if err := c.Put(ctx, raw, p); err != nil {
		// The lookup succeeded; a persistence hiccup should not fail the caller.
		c.log.Warn("geocache persist failed", logx.Err(err))
	}
	return p, true, nil
}

// Size reports the number of physically present entries, expired included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) persistLocked(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(c.entries))
	for key, rec := range c.entries {
		doc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		out[key] = doc
	}
	return c.store.Replace(ctx, storage.CollectionGeocache, out)
}
