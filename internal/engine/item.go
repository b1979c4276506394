// Package engine implements the request orchestration core: a priority queue
// of typed work items, a single-flight model executor, and a tag-to-handler
// registry that expresses multi-stage pipelines as chains of enqueue
// operations.
package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// WORK ITEMS
// =============================================================================

// Kind declares how the executor post-processes the model's output.
type Kind int

const (
	// KindRaw returns the model text unmodified.
	KindRaw Kind = iota
	// KindProse strips reasoning delimiters and detects the no-reply sentinel.
	KindProse
	// KindStructured parses the output as JSON, with one repair pass.
	KindStructured
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindProse:
		return "prose"
	case KindStructured:
		return "structured"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind converts a kind name back to a Kind. Used by the CLI and by
// validation resolutions that override the re-admitted item's kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "raw":
		return KindRaw, nil
	case "prose":
		return KindProse, nil
	case "structured":
		return KindStructured, nil
	default:
		return KindRaw, fmt.Errorf("unknown kind %q", s)
	}
}

// Priority defines queue ordering. Higher values dequeue first; arrival order
// breaks ties within a level.
type Priority int

const (
	// PriorityLow is for background maintenance such as ceremony phases.
	PriorityLow Priority = 0
	// PriorityNormal is for pipeline follow-ups.
	PriorityNormal Priority = 1
	// PriorityHigh is for user-triggered work.
	PriorityHigh Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePriority converts a priority name back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status tracks the work item lifecycle. The queue owns every transition
// except awaiting_validation, which only a handler decision can reach.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
	StatusAwaitingValidation
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAwaitingValidation:
		return "awaiting_validation"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Payload is the fully-resolved instruction set sent to the model. It is
// built by pipeline code and opaque to the queue and executor.
type Payload struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// WorkItem is one queued unit of model-call work.
type WorkItem struct {
	ID       string
	Kind     Kind
	Priority Priority

	// NextStep names the handler invoked with this item's result. The queue
	// never interprets it beyond rejecting tags the registry does not know.
	NextStep string

	Payload Payload

	// Meta carries opaque references (entity IDs, pipeline step context)
	// from the handler that built this item to the handler that receives
	// its result. The queue and executor never read it.
	Meta map[string]string

	// Deadline is the per-call budget for this item. Zero means the queue's
	// configured default.
	Deadline time.Duration

	// NonRetryable marks an item that must not be re-queued after a failed
	// or aborted attempt (user-initiated one-shot calls).
	NonRetryable bool

	Attempts      int
	Status        Status
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// ValidationHold is a work item diverted out of normal ordering until a
// reviewing persona approves the proposed state change.
type ValidationHold struct {
	Item     WorkItem
	Reviewer string // persona ID expected to review
	Reason   string
	// OnApprove optionally replaces the item's NextStep when re-admitted, so
	// an approved change can skip straight to an apply handler.
	OnApprove string
	HeldAt    time.Time
}

// ValidationAction is the reviewer's verdict on a held item.
type ValidationAction int

const (
	ValidationApprove ValidationAction = iota
	ValidationModify
	ValidationReject
)

// String returns the action name.
func (a ValidationAction) String() string {
	switch a {
	case ValidationApprove:
		return "approve"
	case ValidationModify:
		return "modify"
	case ValidationReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ValidationDecision resolves a held item. Modify replaces the payload (and
// optionally the kind) before the item re-enters the queue.
type ValidationDecision struct {
	Action  ValidationAction
	Payload *Payload
	Kind    *Kind
	Note    string
}
