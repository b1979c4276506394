package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"kindred/internal/logging"
	"kindred/internal/persona"
)

// =============================================================================
// ORCHESTRATOR / HANDLER REGISTRY
// =============================================================================
//
// The orchestrator is a pump, not a scheduler: external events (message
// arrival, timers, validation resolutions) call Drive to make progress, and
// Drive drains the queue one item at a time through the executor. Pipelines
// are expressed entirely in handlers: step k's handler is the only place
// that knows how to build step k+1's item, so the orchestrator never
// special-cases any pipeline.

// Handler is invoked with a resolved item's result. It must be total over
// success and failure, must not block, and must not call the executor; it
// communicates purely through its return value.
type Handler func(res ExecutionResult, item WorkItem, state persona.StateAccess) (HandlerResult, error)

// HandlerResult is what a handler wants done next: zero or more follow-up
// items, and optionally a validation hold for the originating item.
type HandlerResult struct {
	Followups []WorkItem
	Hold      *HoldRequest
}

// Orchestrator binds the queue, the executor, and the handler registry.
type Orchestrator struct {
	queue *RequestQueue
	exec  *ModelExecutor
	state persona.StateAccess

	mu       sync.RWMutex
	handlers map[string]Handler

	driving atomic.Bool
}

// NewOrchestrator wires the drive loop. The returned orchestrator implements
// TagChecker for the queue's enqueue validation.
func NewOrchestrator(queue *RequestQueue, exec *ModelExecutor, state persona.StateAccess) *Orchestrator {
	return &Orchestrator{
		queue:    queue,
		exec:     exec,
		state:    state,
		handlers: make(map[string]Handler),
	}
}

// Register binds a next_step tag to its handler. Pipeline authors call this
// at startup; a duplicate tag is a wiring bug and is rejected.
func (o *Orchestrator) Register(tag string, h Handler) error {
	if tag == "" || h == nil {
		return fmt.Errorf("register requires a tag and a handler")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.handlers[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStep, tag)
	}
	o.handlers[tag] = h
	return nil
}

// Known implements TagChecker.
func (o *Orchestrator) Known(tag string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.handlers[tag]
	return ok
}

// Queue exposes the queue for collaborators that enqueue or manage holds.
func (o *Orchestrator) Queue() *RequestQueue { return o.queue }

// Enqueue is the external entry point for new work.
func (o *Orchestrator) Enqueue(item WorkItem) (string, error) {
	return o.queue.Enqueue(item)
}

// Pause suppresses dequeuing; the in-flight item is unaffected.
func (o *Orchestrator) Pause() { o.queue.Pause() }

// Resume re-enables dequeuing.
func (o *Orchestrator) Resume() { o.queue.Resume() }

// Abort cancels the in-flight model call, if any.
func (o *Orchestrator) Abort() { o.exec.Abort() }

// Drive drains the queue: while the executor is idle and the queue yields an
// eligible item, execute it and hand the result to its handler. Re-entrant
// calls are a no-op, which makes Drive safe to invoke from any event source.
func (o *Orchestrator) Drive(ctx context.Context) {
	if !o.driving.CompareAndSwap(false, true) {
		return
	}
	defer o.driving.Store(false)

	log := logging.Get(logging.CategoryOrch)

	for ctx.Err() == nil {
		next := o.queue.PeekNext()
		if next == nil {
			return
		}
		if err := o.queue.MarkInFlight(next.ID); err != nil {
			log.Warnf("could not mark %s in flight: %v", next.ID, err)
			return
		}

		result := o.exec.Execute(ctx, *next)
		outcome, err := o.queue.Complete(next.ID, result)
		if err != nil {
			log.Errorf("complete %s: %v", next.ID, err)
			continue
		}
		if outcome == OutcomeRetrying {
			continue
		}

		o.dispatch(*next, result, outcome)
	}
}

// dispatch runs the handler bound to the item's tag. Handler errors and
// panics are caught here and degrade to "no follow-ups"; the originating
// item is already resolved, so no queue state is corrupted.
func (o *Orchestrator) dispatch(item WorkItem, result ExecutionResult, outcome Outcome) {
	log := logging.Get(logging.CategoryOrch)

	o.mu.RLock()
	h := o.handlers[item.NextStep]
	o.mu.RUnlock()
	if h == nil {
		// Enqueue validated the tag, so this only happens if a handler was
		// somehow unbound mid-run.
		log.Errorf("no handler for %q (item %s)", item.NextStep, item.ID)
		return
	}

	hr, err := o.invoke(h, result, item)
	if err != nil {
		log.Warnf("handler %q failed for item %s (%s): %v", item.NextStep, item.ID, ErrHandlerFailure, err)
		return
	}

	if hr.Hold != nil && outcome == OutcomeCompleted {
		if err := o.queue.DivertToValidation(item.ID, *hr.Hold); err != nil {
			log.Warnf("divert %s to validation: %v", item.ID, err)
		}
	}
	for _, next := range hr.Followups {
		if _, err := o.queue.Enqueue(next); err != nil {
			log.Warnf("handler %q follow-up rejected: %v", item.NextStep, err)
		}
	}
}

// invoke calls a handler with panic containment.
func (o *Orchestrator) invoke(h Handler, result ExecutionResult, item WorkItem) (hr HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			hr = HandlerResult{}
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(result, item, o.state)
}
