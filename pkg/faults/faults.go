// Package faults holds the error kinds shared by the stores, the strategies and the
// replay engine. Callers match them with errors.Is; concrete errors wrap them
// together with their cause.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrOriginUnreachable means the origin could not be contacted at the network level
	// (connection refused, DNS failure, timeout). A response with an error status is not
	// an unreachable origin.
	ErrOriginUnreachable = errors.New("origin unreachable")
	// ErrPersistenceUnavailable means a store could not be opened, read or written.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrPreWarmFailed means at least one manifest URL could not be fetched during install.
	ErrPreWarmFailed = errors.New("pre-warm failed")
	// ErrReplayRejected means the origin answered a replayed operation with a permanent
	// rejection.
	ErrReplayRejected = errors.New("replay rejected")
)

// Unreachable wraps a transport error as ErrOriginUnreachable.
func Unreachable(err error) error {
	return fmt.Errorf("%w: %w", ErrOriginUnreachable, err)
}

// Persistence wraps a storage error as ErrPersistenceUnavailable, adding what was being done.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceUnavailable, op, err)
}

// Kind returns a short name for the error kind, suitable as a log field.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOriginUnreachable):
		return "origin-unreachable"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "persistence-unavailable"
	case errors.Is(err, ErrPreWarmFailed):
		return "pre-warm-failed"
	case errors.Is(err, ErrReplayRejected):
		return "replay-rejected"
	default:
		return "unknown"
	}
}
