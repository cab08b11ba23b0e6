package offlinecache

import (
	"errors"

	"github.com/always-cache/offline-cache/pkg/faults"
)

var (
	ErrOriginUnreachable      = faults.ErrOriginUnreachable
	ErrPersistenceUnavailable = faults.ErrPersistenceUnavailable
	ErrPreWarmFailed          = faults.ErrPreWarmFailed
	ErrReplayRejected         = faults.ErrReplayRejected
)

// ErrInvalidURL is returned for URLs that cannot be parsed or are not on the cached origin.
var ErrInvalidURL = errors.New("invalid url")
