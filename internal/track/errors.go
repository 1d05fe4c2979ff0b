package track

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound means the tracking site has no record for the query.
	ErrNotFound = errors.New("no matching record")
	// ErrBusy means no automation session became free within the wait bound.
	ErrBusy = errors.New("automation resource unavailable")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retry-later class (network hiccups,
// scraper-reported temporary failures).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify maps an error to an outcome status at the boundary where it is
// caught. Anything unrecognized is a contract violation and classifies as
// fatal so it gets logged with full detail instead of silently retried.
func Classify(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, context.Canceled):
		// Shutdown or caller cancellation: retry at the next natural firing.
		return StatusTransient
	}
	var te *transientError
	if errors.As(err, &te) {
		return StatusTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return StatusTransient
	}
	return StatusFatal
}
