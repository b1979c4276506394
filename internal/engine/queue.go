package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kindred/internal/logging"
)

// =============================================================================
// REQUEST QUEUE
// =============================================================================
//
// The queue owns the WorkItem lifecycle: pending -> in_flight -> completed,
// failed, or back to pending with a backoff delay. Ordering is strict
// priority-then-arrival; FIFO within a level keeps draining deterministic.
// Items held for validation live outside the ordering entirely and re-enter
// only through an explicit resolution.

// TagChecker lets the queue reject items whose NextStep no handler claims.
// The orchestrator's registry implements it.
type TagChecker interface {
	Known(tag string) bool
}

// TagFunc adapts a function to TagChecker, which lets wiring code defer the
// registry lookup until the orchestrator exists.
type TagFunc func(tag string) bool

// Known implements TagChecker.
func (f TagFunc) Known(tag string) bool { return f(tag) }

// IdleReporter gates dequeuing on the executor being free. The executor
// implements it.
type IdleReporter interface {
	Idle() bool
}

// QueueConfig tunes retry policy. Rate-limited failures use their own
// backoff profile; both profiles are exponential with a ceiling.
type QueueConfig struct {
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	RateLimitBackoffBase time.Duration
	RateLimitBackoffMax  time.Duration
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:          3,
		BackoffBase:          2 * time.Second,
		BackoffMax:           2 * time.Minute,
		RateLimitBackoffBase: 15 * time.Second,
		RateLimitBackoffMax:  10 * time.Minute,
	}
}

// Outcome is the queue's verdict after Complete.
type Outcome int

const (
	// OutcomeCompleted resolves the item successfully.
	OutcomeCompleted Outcome = iota
	// OutcomeRetrying re-queued the item; no handler runs for this attempt.
	OutcomeRetrying
	// OutcomeFailed resolves the item terminally.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// HoldRequest is a handler's decision to divert its completed item into the
// validation hold set.
type HoldRequest struct {
	Reviewer  string
	Reason    string
	OnApprove string
}

type queuedItem struct {
	item      *WorkItem
	seq       int64
	notBefore time.Time
}

// resolvedRetention caps how many resolved items stay addressable for
// post-handler decisions and status inspection.
const resolvedRetention = 256

// RequestQueue is the single process-scoped queue every collaborator
// enqueues into.
type RequestQueue struct {
	mu   sync.Mutex
	cfg  QueueConfig
	tags TagChecker
	idle IdleReporter

	bus   *Bus
	audit *AuditLog

	pending       []*queuedItem
	inFlight      *queuedItem
	resolved      map[string]*WorkItem
	resolvedOrder []string
	holds         map[string]*ValidationHold
	paused        bool
	seq           int64

	// now is replaceable for deterministic backoff tests.
	now func() time.Time

	// Metrics (atomic for lock-free reads)
	totalEnqueued int64
	totalRejected int64
	totalRetried  int64
	totalFailed   int64
	totalDone     int64
}

// NewRequestQueue creates the queue. tags and idle may be nil, which
// disables tag validation and the executor-busy gate respectively (tests
// use that; production wiring always supplies both).
func NewRequestQueue(cfg QueueConfig, tags TagChecker, idle IdleReporter, bus *Bus, audit *AuditLog) *RequestQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.RateLimitBackoffBase <= 0 {
		cfg.RateLimitBackoffBase = cfg.BackoffBase
	}
	if cfg.RateLimitBackoffMax <= 0 {
		cfg.RateLimitBackoffMax = cfg.BackoffMax
	}
	return &RequestQueue{
		cfg:      cfg,
		tags:     tags,
		idle:     idle,
		bus:      bus,
		audit:    audit,
		resolved: make(map[string]*WorkItem),
		holds:    make(map[string]*ValidationHold),
		now:      time.Now,
	}
}

// Reconfigure swaps the retry policy at runtime (config reload).
func (q *RequestQueue) Reconfigure(cfg QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.MaxAttempts > 0 {
		q.cfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBase > 0 {
		q.cfg.BackoffBase = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		q.cfg.BackoffMax = cfg.BackoffMax
	}
	if cfg.RateLimitBackoffBase > 0 {
		q.cfg.RateLimitBackoffBase = cfg.RateLimitBackoffBase
	}
	if cfg.RateLimitBackoffMax > 0 {
		q.cfg.RateLimitBackoffMax = cfg.RateLimitBackoffMax
	}
}

// Enqueue inserts an item honoring priority-then-arrival ordering. Items
// whose NextStep no handler claims are rejected as a logged no-op.
func (q *RequestQueue) Enqueue(item WorkItem) (string, error) {
	log := logging.Get(logging.CategoryQueue)

	if item.NextStep == "" {
		atomic.AddInt64(&q.totalRejected, 1)
		return "", fmt.Errorf("%w: empty tag", ErrUnknownStep)
	}
	if q.tags != nil && !q.tags.Known(item.NextStep) {
		atomic.AddInt64(&q.totalRejected, 1)
		log.Warnf("rejected item with unknown next_step %q", item.NextStep)
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, item.NextStep)
	}

	q.mu.Lock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	item.Status = StatusPending
	q.seq++
	q.pending = append(q.pending, &queuedItem{item: &item, seq: q.seq})
	q.mu.Unlock()

	atomic.AddInt64(&q.totalEnqueued, 1)
	log.Debugf("enqueued %s (step=%s, priority=%s, kind=%s)", item.ID, item.NextStep, item.Priority, item.Kind)
	q.publish(EventItemEnqueued, &item, nil)
	return item.ID, nil
}

// PeekNext returns a copy of the highest-priority eligible pending item, or
// nil when the queue is empty, paused, an item is in flight, the executor is
// busy, or every pending item is still inside its backoff window.
func (q *RequestQueue) PeekNext() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.inFlight != nil {
		return nil
	}
	if q.idle != nil && !q.idle.Idle() {
		return nil
	}

	best := q.selectLocked()
	if best == nil {
		return nil
	}
	copied := *best.item
	return &copied
}

// selectLocked picks the eligible item with the highest priority, breaking
// ties by arrival order.
func (q *RequestQueue) selectLocked() *queuedItem {
	now := q.now()
	var best *queuedItem
	for _, qi := range q.pending {
		if qi.notBefore.After(now) {
			continue
		}
		if best == nil ||
			qi.item.Priority > best.item.Priority ||
			(qi.item.Priority == best.item.Priority && qi.seq < best.seq) {
			best = qi
		}
	}
	return best
}

// MarkInFlight transitions a pending item to in_flight and records the
// attempt. The orchestrator calls it with the ID PeekNext returned.
func (q *RequestQueue) MarkInFlight(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight != nil {
		return fmt.Errorf("item %s already in flight", q.inFlight.item.ID)
	}
	for i, qi := range q.pending {
		if qi.item.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			qi.item.Status = StatusInFlight
			qi.item.Attempts++
			qi.item.LastAttemptAt = q.now()
			q.inFlight = qi
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSuchItem, id)
}

// Complete resolves the in-flight item against its execution result. On
// failure with attempts remaining the item re-enters pending behind a
// backoff delay; otherwise it fails terminally and emits exactly one
// failure event.
func (q *RequestQueue) Complete(id string, result ExecutionResult) (Outcome, error) {
	log := logging.Get(logging.CategoryQueue)

	q.mu.Lock()
	if q.inFlight == nil || q.inFlight.item.ID != id {
		q.mu.Unlock()
		return OutcomeFailed, fmt.Errorf("%w: %s is not in flight", ErrNoSuchItem, id)
	}
	qi := q.inFlight
	q.inFlight = nil
	item := qi.item

	if result.OK {
		item.Status = StatusCompleted
		q.rememberLocked(item)
		q.mu.Unlock()

		atomic.AddInt64(&q.totalDone, 1)
		q.publish(EventItemCompleted, item, nil)
		return OutcomeCompleted, nil
	}

	retryable := result.ErrKind.Retryable() && !item.NonRetryable
	if retryable && item.Attempts < q.cfg.MaxAttempts {
		delay := q.backoffLocked(result.ErrKind, item.Attempts)
		item.Status = StatusPending
		qi.notBefore = q.now().Add(delay)
		q.pending = append(q.pending, qi)
		q.mu.Unlock()

		atomic.AddInt64(&q.totalRetried, 1)
		log.Infof("item %s retrying after %s failure (attempt %d/%d, backoff %v)",
			id, result.ErrKind, item.Attempts, q.cfg.MaxAttempts, delay)
		return OutcomeRetrying, nil
	}

	item.Status = StatusFailed
	q.rememberLocked(item)
	q.mu.Unlock()

	atomic.AddInt64(&q.totalFailed, 1)
	log.Warnf("item %s failed terminally: %s: %s", id, result.ErrKind, result.Message)
	q.publish(EventItemFailed, item, map[string]interface{}{
		"error_kind": result.ErrKind.String(),
		"message":    result.Message,
	})
	if err := q.audit.Append(AuditItemFailed, id, map[string]interface{}{
		"error_kind": result.ErrKind.String(),
		"message":    result.Message,
		"attempts":   item.Attempts,
	}); err != nil {
		log.Warnf("audit append failed: %v", err)
	}
	return OutcomeFailed, nil
}

// backoffLocked computes the delay before a retried item becomes eligible
// again: base doubling per attempt, capped. Rate-limited failures use their
// own, typically longer, profile.
func (q *RequestQueue) backoffLocked(kind ErrorKind, attempts int) time.Duration {
	base, ceiling := q.cfg.BackoffBase, q.cfg.BackoffMax
	if kind == ErrRateLimited {
		base, ceiling = q.cfg.RateLimitBackoffBase, q.cfg.RateLimitBackoffMax
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// rememberLocked keeps a resolved item addressable for divert decisions and
// status inspection, bounded by resolvedRetention.
func (q *RequestQueue) rememberLocked(item *WorkItem) {
	q.resolved[item.ID] = item
	q.resolvedOrder = append(q.resolvedOrder, item.ID)
	for len(q.resolvedOrder) > resolvedRetention {
		oldest := q.resolvedOrder[0]
		q.resolvedOrder = q.resolvedOrder[1:]
		if _, held := q.holds[oldest]; !held {
			delete(q.resolved, oldest)
		}
	}
}

// Pause stops PeekNext from yielding items. The in-flight item, if any, is
// unaffected.
func (q *RequestQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	logging.Get(logging.CategoryQueue).Info("queue paused")
}

// Resume re-enables dequeuing.
func (q *RequestQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	logging.Get(logging.CategoryQueue).Info("queue resumed")
}

// Paused reports the pause state.
func (q *RequestQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetPaused applies a pause flag from config reload without logging spurious
// transitions.
func (q *RequestQueue) SetPaused(paused bool) {
	q.mu.Lock()
	changed := q.paused != paused
	q.paused = paused
	q.mu.Unlock()
	if changed {
		logging.Get(logging.CategoryQueue).Infof("queue pause set to %v by config", paused)
	}
}

// Depth returns the number of pending items.
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// publish emits an event with the standard item fields.
func (q *RequestQueue) publish(t EventType, item *WorkItem, extra map[string]interface{}) {
	if q.bus == nil {
		return
	}
	data := map[string]interface{}{
		"item_id":  item.ID,
		"step":     item.NextStep,
		"priority": item.Priority.String(),
		"kind":     item.Kind.String(),
	}
	for k, v := range extra {
		data[k] = v
	}
	q.bus.Publish(t, data)
}

// QueueMetrics is a point-in-time snapshot for observability.
type QueueMetrics struct {
	PendingDepth  int
	HeldCount     int
	Paused        bool
	TotalEnqueued int64
	TotalRejected int64
	TotalRetried  int64
	TotalFailed   int64
	TotalDone     int64
}

// Metrics returns current queue metrics.
func (q *RequestQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	depth := len(q.pending)
	held := len(q.holds)
	paused := q.paused
	q.mu.Unlock()

	return QueueMetrics{
		PendingDepth:  depth,
		HeldCount:     held,
		Paused:        paused,
		TotalEnqueued: atomic.LoadInt64(&q.totalEnqueued),
		TotalRejected: atomic.LoadInt64(&q.totalRejected),
		TotalRetried:  atomic.LoadInt64(&q.totalRetried),
		TotalFailed:   atomic.LoadInt64(&q.totalFailed),
		TotalDone:     atomic.LoadInt64(&q.totalDone),
	}
}
