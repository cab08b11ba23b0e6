// Package replay drains queued operations against the origin when connectivity returns.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/origin"
	"github.com/always-cache/offline-cache/pkg/faults"
	"github.com/always-cache/offline-cache/queue"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/always-cache/offline-cache/replay"

// Store is the part of the queue the engine needs.
type Store interface {
	List() ([]queue.Operation, error)
	Delete(key uint64) error
}

// DeletePolicy decides which snapshot items are removed after a drain.
type DeletePolicy string

const (
	// DeleteTerminal removes operations the origin accepted or permanently rejected.
	// Operations that still failed after retrying stay queued for the next signal.
	DeleteTerminal DeletePolicy = "terminal"
	// DeleteAlways removes every snapshot item whatever its outcome.
	DeleteAlways DeletePolicy = "always"
)

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case "", DeleteTerminal:
		return DeleteTerminal, nil
	case DeleteAlways:
		return DeleteAlways, nil
	}
	return "", fmt.Errorf("unknown delete policy %q", s)
}

type State int32

const (
	StateIdle State = iota
	StateDraining
)

func (s State) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "idle"
}

// Result accounts for one drain cycle.
type Result struct {
	Attempted int
	Replayed  int
	Rejected  int
	Failed    int
	Deleted   int
}

type Config struct {
	Store  Store
	Origin origin.Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of operations sent at the same time. Zero means all at once.
	Concurrency int
	// Attempts per operation and drain cycle. Defaults to 3.
	MaxAttempts uint
	// Backoff between attempts. Defaults to exponential backoff starting at 200ms.
	Backoff      func() backoff.BackOff
	DeletePolicy DeletePolicy
}

// Engine runs drain cycles. It is Idle until triggered, Draining while a cycle runs,
// and always goes back to Idle whatever the outcome, so a failed cycle is retried
// by the next trigger. Triggers received while draining are coalesced into one
// follow-up cycle.
type Engine struct {
	store        Store
	origin       origin.Fetcher
	log          zerolog.Logger
	concurrency  int
	maxAttempts  uint
	newBackoff   func() backoff.BackOff
	deletePolicy DeletePolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	pending bool
	last    Result
}

func NewEngine(config Config) *Engine {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	e := &Engine{
		store:        config.Store,
		origin:       config.Origin,
		log:          logger.With().Str("component", "replay").Logger(),
		concurrency:  config.Concurrency,
		maxAttempts:  config.MaxAttempts,
		newBackoff:   config.Backoff,
		deletePolicy: config.DeletePolicy,
	}
	if e.maxAttempts == 0 {
		e.maxAttempts = 3
	}
	if e.newBackoff == nil {
		e.newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if e.deletePolicy == "" {
		e.deletePolicy = DeleteTerminal
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Trigger starts a drain cycle in the background and returns immediately.
func (e *Engine) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if e.state == StateDraining {
		e.pending = true
		return
	}
	e.state = StateDraining
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		res := e.drain(e.ctx)

		e.mu.Lock()
		e.last = res
		if e.pending && e.ctx.Err() == nil {
			e.pending = false
			e.mu.Unlock()
			continue
		}
		e.pending = false
		e.state = StateIdle
		e.mu.Unlock()
		return
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastResult returns the accounting of the most recent drain cycle.
func (e *Engine) LastResult() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Wait blocks until no drain cycle is running.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels running cycles, waits for them and refuses further triggers.
func (e *Engine) Close() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeReplayed
	outcomeRejected
)

func (e *Engine) drain(ctx context.Context) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "replay.drain")
	defer span.End()

	log := e.log
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		log = log.With().Stringer("traceId", sc.TraceID()).Logger()
	}

	var res Result

	// the snapshot is the work set of this cycle,
	// later enqueues wait for the next trigger
	ops, err := e.store.List()
	if err != nil {
		log.Error().Err(err).Msg("Could not list queued operations")
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return res
	}
	res.Attempted = len(ops)
	span.SetAttributes(attribute.Int("replay.snapshot", len(ops)))
	if len(ops) == 0 {
		log.Trace().Msg("Nothing to replay")
		return res
	}
	log.Debug().Int("operations", len(ops)).Msg("Replaying queued operations")

	outcomes := make([]outcome, len(ops))
	g := new(errgroup.Group)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, op := range ops {
		g.Go(func() error {
			outcomes[i] = e.replay(ctx, op)
			return nil
		})
	}
	// deletion starts only after the whole wave settled
	_ = g.Wait()
	canceled := ctx.Err() != nil

	for i, op := range ops {
		switch outcomes[i] {
		case outcomeReplayed:
			res.Replayed++
		case outcomeRejected:
			res.Rejected++
		default:
			res.Failed++
		}
		if !e.shouldDelete(outcomes[i], canceled) {
			continue
		}
		if err := e.store.Delete(op.Key); err != nil {
			log.Error().Err(err).Uint64("key", op.Key).Msg("Could not delete replayed operation")
			continue
		}
		res.Deleted++
	}

	span.SetAttributes(
		attribute.Int("replay.replayed", res.Replayed),
		attribute.Int("replay.rejected", res.Rejected),
		attribute.Int("replay.failed", res.Failed),
	)
	log.Info().
		Int("replayed", res.Replayed).
		Int("rejected", res.Rejected).
		Int("failed", res.Failed).
		Int("deleted", res.Deleted).
		Msg("Replay finished")
	return res
}

// A canceled cycle may not have sent everything, so it only removes what reached
// a terminal answer.
func (e *Engine) shouldDelete(o outcome, canceled bool) bool {
	if e.deletePolicy == DeleteAlways && !canceled {
		return true
	}
	return o == outcomeReplayed || o == outcomeRejected
}

var errRetryableStatus = errors.New("retryable status")

// replay sends one operation, retrying network failures and transient statuses.
func (e *Engine) replay(ctx context.Context, op queue.Operation) outcome {
	log := e.log.With().Uint64("key", op.Key).Str("method", op.Method).Str("url", op.URL).Logger()

	send := func() (int, error) {
		req, err := op.Request(ctx)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("%w: %w", faults.ErrReplayRejected, err))
		}
		res, err := e.origin.Fetch(ctx, req)
		if err != nil {
			log.Debug().Err(err).Msg("Replay attempt failed")
			return 0, err
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return res.StatusCode, nil
		case retryableStatus(res.StatusCode):
			log.Debug().Int("status", res.StatusCode).Msg("Replay attempt failed")
			return res.StatusCode, fmt.Errorf("%w: %d", errRetryableStatus, res.StatusCode)
		default:
			return res.StatusCode, backoff.Permanent(fmt.Errorf("%w: status %d", faults.ErrReplayRejected, res.StatusCode))
		}
	}

	status, err := backoff.Retry(ctx, send,
		backoff.WithBackOff(e.newBackoff()),
		backoff.WithMaxTries(e.maxAttempts),
	)
	switch {
	case err == nil:
		log.Trace().Int("status", status).Msg("Operation replayed")
		return outcomeReplayed
	case errors.Is(err, faults.ErrReplayRejected):
		log.Warn().Err(err).Int("status", status).Msg("Origin rejected replayed operation")
		return outcomeRejected
	default:
		log.Warn().Err(err).Int("status", status).Msg("Could not replay operation")
		return outcomeFailed
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
