// Package storage persists the worker's durable state: the schedule
// registry and the geocode cache.
//
// The file driver keeps one JSON snapshot per collection and replaces it
// atomically (write to .tmp, then rename) so readers and crash recovery
// never see a half-written snapshot. The sqlite driver (build tag
// "sqlite") offers the same Replace semantics in a transaction.
package storage
