package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"kindred/internal/logging"
	"kindred/internal/provider"
)

// =============================================================================
// MODEL EXECUTOR - SINGLE-FLIGHT ADAPTER
// =============================================================================
//
// The executor owns the only suspension point in the engine: the outbound
// model call. At most one call is in flight at any instant, enforced by an
// atomic busy flag. The queue is responsible for serializing callers; calling
// Execute while busy is a contract violation, not a retryable failure.

// ModelClient is the opaque text-generation capability. Provider clients
// satisfy it directly.
type ModelClient interface {
	Invoke(ctx context.Context, system, user string) (string, error)
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// DefaultDeadline bounds items that carry no deadline of their own.
	DefaultDeadline time.Duration
}

// ModelExecutor issues one outbound call per Execute and post-processes the
// raw result according to the item's declared kind.
type ModelExecutor struct {
	client ModelClient
	cfg    ExecutorConfig

	busy atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

// NewModelExecutor creates an executor over the given capability.
func NewModelExecutor(client ModelClient, cfg ExecutorConfig) *ModelExecutor {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 2 * time.Minute
	}
	return &ModelExecutor{client: client, cfg: cfg}
}

// Idle reports whether a call may be issued right now.
func (e *ModelExecutor) Idle() bool {
	return !e.busy.Load()
}

// Abort cancels the in-flight outbound call, if any, causing the pending
// Execute to resolve with an Aborted result. Calling Abort with nothing in
// flight is a no-op.
func (e *ModelExecutor) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.aborted = true
		e.cancel()
	}
}

// Execute runs one item to a result. It never returns a Go error; every
// failure mode is carried in the result so retry policy stays with the queue.
func (e *ModelExecutor) Execute(ctx context.Context, item WorkItem) ExecutionResult {
	if !e.busy.CompareAndSwap(false, true) {
		return Failure(ErrNotIdle, "execute called while a call is in flight (item %s)", item.ID)
	}
	defer e.busy.Store(false)

	deadline := item.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultDeadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	e.mu.Lock()
	e.cancel = cancel
	e.aborted = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	log := logging.Get(logging.CategoryExecutor)
	start := time.Now()

	raw, err := e.client.Invoke(callCtx, item.Payload.System, item.Payload.User)
	if err != nil {
		res := e.classify(callCtx, err)
		log.Debugf("item %s (%s/%s) failed after %v: %s", item.ID, item.Kind, item.NextStep, time.Since(start), res.Message)
		return res
	}

	switch item.Kind {
	case KindRaw:
		return ExecutionResult{OK: true, Content: raw}

	case KindProse:
		content := stripReasoning(raw)
		if isNoReply(content) {
			return ExecutionResult{OK: true, Content: "", NoOutput: true}
		}
		return ExecutionResult{OK: true, Content: content}

	case KindStructured:
		if value, ok := extractJSON(raw); ok {
			return ExecutionResult{OK: true, Content: raw, Structured: value}
		}
		// One repair pass: re-request with the malformed text and an
		// instruction to correct it.
		log.Debugf("item %s: malformed structured output, attempting repair", item.ID)
		repaired, err := e.client.Invoke(callCtx, item.Payload.System, repairPrompt(raw))
		if err != nil {
			return e.classify(callCtx, err)
		}
		if value, ok := extractJSON(repaired); ok {
			return ExecutionResult{OK: true, Content: repaired, Structured: value}
		}
		return Failure(ErrParseFailure, "structured output unparseable after repair (item %s)", item.ID)

	default:
		return Failure(ErrProviderFailure, "item %s declares unknown kind %d", item.ID, int(item.Kind))
	}
}

// classify maps an invoke error to an error kind. Abort wins over the other
// cancellation causes because the abort flag is set before cancel fires.
func (e *ModelExecutor) classify(callCtx context.Context, err error) ExecutionResult {
	e.mu.Lock()
	aborted := e.aborted
	e.mu.Unlock()

	switch {
	case aborted:
		return Failure(ErrAborted, "call aborted: %v", err)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return Failure(ErrTimeout, "call deadline exceeded: %v", err)
	case errors.Is(err, context.Canceled):
		return Failure(ErrAborted, "call cancelled: %v", err)
	case provider.IsRateLimited(err):
		return Failure(ErrRateLimited, "%v", err)
	default:
		return Failure(ErrProviderFailure, "%v", err)
	}
}
