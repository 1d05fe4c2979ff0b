package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Collections persisted by the worker. Each collection is a flat map of
// record key to JSON document; the stores treat values as opaque.
const (
	CollectionSchedules = "schedules"
	CollectionGeocache  = "geocache"
)

// ErrCorrupt marks persisted state that failed to decode. Callers are
// expected to log it and continue with an empty collection rather than
// abort startup.
var ErrCorrupt = errors.New("corrupt persisted state")

// Store is the durable persistence port shared by the scheduler registry
// and the geocode cache.
//
// Replace rewrites a whole collection atomically: readers never observe a
// partially written collection, even across a crash mid-write.
type Store interface {
	Load(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Replace(ctx context.Context, collection string, records map[string]json.RawMessage) error
	Close() error
}

// Config controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/maptrack" }
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}
