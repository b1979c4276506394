package engine

import (
	"fmt"
	"sort"
	"time"

	"kindred/internal/logging"
)

// =============================================================================
// VALIDATION HOLDS
// =============================================================================
//
// A handler that proposes a state change needing approval by a reviewing
// persona diverts its completed item here instead of applying the change.
// Held items are invisible to normal ordering and re-enter the queue only
// through an explicit resolution.

// DivertToValidation moves a completed item into the hold set. Only a
// handler decision reaches this; the executor never does.
func (q *RequestQueue) DivertToValidation(id string, req HoldRequest) error {
	q.mu.Lock()
	item, ok := q.resolved[id]
	if !ok || item.Status != StatusCompleted {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is not a completed item", ErrNoSuchItem, id)
	}
	item.Status = StatusAwaitingValidation
	q.holds[id] = &ValidationHold{
		Item:      *item,
		Reviewer:  req.Reviewer,
		Reason:    req.Reason,
		OnApprove: req.OnApprove,
		HeldAt:    q.now(),
	}
	q.mu.Unlock()

	logging.Get(logging.CategoryQueue).Infof("item %s held for validation by %s: %s", id, req.Reviewer, req.Reason)
	q.publish(EventValidationHeld, item, map[string]interface{}{
		"reviewer": req.Reviewer,
		"reason":   req.Reason,
	})
	return nil
}

// DrainValidations returns all current holds, oldest first.
func (q *RequestQueue) DrainValidations() []ValidationHold {
	q.mu.Lock()
	out := make([]ValidationHold, 0, len(q.holds))
	for _, h := range q.holds {
		out = append(out, *h)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	return out
}

// ResolveValidation applies the reviewer's decision. Approved and modified
// items re-enter the queue as if freshly enqueued; rejected items are
// discarded. Every resolution is audited.
func (q *RequestQueue) ResolveValidation(id string, decision ValidationDecision) error {
	log := logging.Get(logging.CategoryQueue)

	q.mu.Lock()
	hold, ok := q.holds[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: no validation hold for %s", ErrNoSuchItem, id)
	}
	delete(q.holds, id)
	delete(q.resolved, id)
	q.mu.Unlock()

	if err := q.audit.Append(AuditValidationResolved, id, map[string]interface{}{
		"action":   decision.Action.String(),
		"reviewer": hold.Reviewer,
		"reason":   hold.Reason,
		"note":     decision.Note,
	}); err != nil {
		log.Warnf("audit append failed: %v", err)
	}

	switch decision.Action {
	case ValidationReject:
		log.Infof("validation for %s rejected: %s", id, decision.Note)
		return nil

	case ValidationApprove, ValidationModify:
		item := hold.Item
		item.Attempts = 0
		item.LastAttemptAt = time.Time{}
		if hold.OnApprove != "" {
			item.NextStep = hold.OnApprove
		}
		if decision.Action == ValidationModify {
			if decision.Payload != nil {
				item.Payload = *decision.Payload
			}
			if decision.Kind != nil {
				item.Kind = *decision.Kind
			}
		}
		if _, err := q.Enqueue(item); err != nil {
			return fmt.Errorf("re-admit validated item: %w", err)
		}
		log.Infof("validation for %s resolved %s, item re-admitted", id, decision.Action)
		return nil

	default:
		return fmt.Errorf("unknown validation action %d", int(decision.Action))
	}
}
