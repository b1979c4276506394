package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// EXECUTION RESULTS AND ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a failed execution. Rate-limit failures are separated
// from generic provider failures only so the queue can apply a different
// backoff profile; nothing else special-cases them.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	// ErrNotIdle is a programming-contract violation: Execute was called
	// while a call was already in flight. Fatal to the call site, not the
	// process, and never retried.
	ErrNotIdle
	ErrTimeout
	ErrAborted
	// ErrParseFailure means structured output stayed malformed after the
	// single repair pass.
	ErrParseFailure
	ErrProviderFailure
	ErrRateLimited
	// ErrHandlerFailure is recorded by the orchestrator when a handler
	// errors or panics; the originating item is already resolved by then.
	ErrHandlerFailure
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrNotIdle:
		return "not_idle"
	case ErrTimeout:
		return "timeout"
	case ErrAborted:
		return "aborted"
	case ErrParseFailure:
		return "parse_failure"
	case ErrProviderFailure:
		return "provider_failure"
	case ErrRateLimited:
		return "rate_limited"
	case ErrHandlerFailure:
		return "handler_failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Retryable reports whether the queue may re-queue an item that failed with
// this kind. Contract violations and unrecoverable parses are terminal.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrAborted, ErrProviderFailure, ErrRateLimited:
		return true
	default:
		return false
	}
}

// ExecutionResult is the outcome of one executor invocation. Failures never
// cross the Execute boundary as Go errors; they are always carried here.
type ExecutionResult struct {
	OK      bool
	Content string

	// Structured holds the parsed JSON value, populated only for
	// KindStructured after a successful parse (including repair).
	Structured json.RawMessage

	// NoOutput is set when a prose response matched the explicit no-reply
	// sentinel. Content is empty in that case; it is not an error.
	NoOutput bool

	ErrKind ErrorKind
	Message string
}

// Failure builds a failed result.
func Failure(kind ErrorKind, format string, args ...interface{}) ExecutionResult {
	return ExecutionResult{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Decode unmarshals the structured value into out.
func (r ExecutionResult) Decode(out interface{}) error {
	if !r.OK {
		return fmt.Errorf("result is a %s failure: %s", r.ErrKind, r.Message)
	}
	if len(r.Structured) == 0 {
		return errors.New("result carries no structured value")
	}
	return json.Unmarshal(r.Structured, out)
}

// Sentinel errors shared across the engine.
var (
	// ErrUnknownStep rejects an enqueue whose NextStep tag is not registered.
	ErrUnknownStep = errors.New("unknown next_step tag")
	// ErrDuplicateStep rejects a second registration of the same tag.
	ErrDuplicateStep = errors.New("next_step tag already registered")
	// ErrNoSuchItem reports an item ID the queue does not hold.
	ErrNoSuchItem = errors.New("no such work item")
)
