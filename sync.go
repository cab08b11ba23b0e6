package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/always-cache/offline-cache/pkg/faults"
	"github.com/always-cache/offline-cache/queue"
)

// QueuedOperation is a write deferred until the origin can be reached.
type QueuedOperation = queue.Operation

// NewJSONOperation returns an operation sending v as a JSON body.
func NewJSONOperation(method, url string, v any) (QueuedOperation, error) {
	return queue.NewJSONOperation(method, url, v)
}

// Enqueue stores the operation for replay and returns its sequence key.
// Operations must target the cached origin.
func (o *OfflineCache) Enqueue(ctx context.Context, op QueuedOperation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if o.queue == nil {
		return 0, faults.Persistence("enqueue", errors.New("no queue configured"))
	}
	u, err := url.Parse(op.URL)
	if err != nil {
		return 0, fmt.Errorf("%w: url: %w", queue.ErrInvalidOperation, err)
	}
	if !o.keyer.SameOriginURL(u) {
		return 0, fmt.Errorf("%w: %s is not on the cached origin", queue.ErrInvalidOperation, u.Host)
	}
	return o.queue.Enqueue(op)
}

// Queued lists the operations waiting for replay.
func (o *OfflineCache) Queued() ([]QueuedOperation, error) {
	if o.queue == nil {
		return nil, faults.Persistence("list", errors.New("no queue configured"))
	}
	return o.queue.List()
}

// OnReconnectSignal starts a replay of the queue in the background if tag is the
// configured sync tag. It reports whether the tag was recognized; unknown tags are
// ignored.
func (o *OfflineCache) OnReconnectSignal(tag string) bool {
	if tag != o.syncTag {
		o.log.Trace().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return false
	}
	if o.queue == nil {
		o.log.Warn().Msg("Reconnect signal without a queue, nothing to replay")
		return true
	}
	o.log.Debug().Str("tag", tag).Msg("Reconnect signal received")
	o.replay.Trigger()
	return true
}
