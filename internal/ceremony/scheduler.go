package ceremony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kindred/internal/engine"
	"kindred/internal/logging"
	"kindred/internal/persona"
)

// Config tunes the ceremony scheduler.
type Config struct {
	// Hour and Minute set the daily local fire time.
	Hour   int
	Minute int

	// MinActiveTopics triggers the explore phase when a persona has fewer
	// active topics than this after expiry.
	MinActiveTopics int

	// ActiveTopicWeight is the weight at or above which a topic counts as
	// active.
	ActiveTopicWeight float64

	// ExpireBelowWeight is the hard floor; the expire prompt asks the model
	// to drop anything under it.
	ExpireBelowWeight float64

	// LastPersona is always seeded last in a cycle.
	LastPersona string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Hour:              3,
		Minute:            30,
		MinActiveTopics:   3,
		ActiveTopicWeight: 0.2,
		ExpireBelowWeight: 0.05,
	}
}

// Enqueuer is the slice of the engine the scheduler needs.
type Enqueuer interface {
	Enqueue(item engine.WorkItem) (string, error)
}

// Scheduler seeds and advances the nightly ceremony. It is the only writer
// of ceremony cursors.
type Scheduler struct {
	cfg     Config
	state   persona.StateAccess
	cursors CursorStore
	enq     Enqueuer
	bus     *engine.Bus

	mu  sync.Mutex
	now func() time.Time
}

// NewScheduler wires the scheduler. bus may be nil.
func NewScheduler(cfg Config, state persona.StateAccess, cursors CursorStore, enq Enqueuer, bus *engine.Bus) *Scheduler {
	if cfg.MinActiveTopics <= 0 {
		cfg.MinActiveTopics = 3
	}
	if cfg.ActiveTopicWeight <= 0 {
		cfg.ActiveTopicWeight = 0.2
	}
	if cfg.ExpireBelowWeight <= 0 {
		cfg.ExpireBelowWeight = 0.05
	}
	return &Scheduler{
		cfg:     cfg,
		state:   state,
		cursors: cursors,
		enq:     enq,
		bus:     bus,
		now:     time.Now,
	}
}

// Start runs the daily timer until ctx is cancelled. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	log := logging.Get(logging.CategoryCeremony)
	for {
		next := s.nextFireTime(s.now())
		timer := time.NewTimer(time.Until(next))
		log.Infof("next ceremony scheduled for %s", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.TriggerCycle(); err != nil {
				log.Warnf("ceremony trigger failed: %v", err)
			}
		}
	}
}

// nextFireTime returns the next configured local fire time strictly after now.
func (s *Scheduler) nextFireTime(now time.Time) time.Time {
	fire := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, now.Location())
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// InProgress reports whether any persona's cursor is mid-cycle.
func (s *Scheduler) InProgress() (bool, error) {
	all, err := s.cursors.All()
	if err != nil {
		return false, err
	}
	for _, c := range all {
		if c.Phase.Active() {
			return true, nil
		}
	}
	return false, nil
}

// TriggerCycle seeds a new ceremony cycle: personas in creation order with
// the designated last persona at the end, skipping paused, archived, and
// inactive personas. A cycle already in progress makes the trigger a no-op,
// so a duplicate timer fire or a manual trigger mid-cycle is harmless.
func (s *Scheduler) TriggerCycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := logging.Get(logging.CategoryCeremony)

	busy, err := s.InProgress()
	if err != nil {
		return fmt.Errorf("inspect cursors: %w", err)
	}
	if busy {
		log.Info("ceremony already in progress, trigger ignored")
		return nil
	}

	lastCycle, err := s.cursors.LastCycleAt()
	if err != nil {
		return fmt.Errorf("read last cycle: %w", err)
	}

	ordered := s.orderPersonas(s.state.ListPersonas())
	seeded := 0
	for _, p := range ordered {
		if s.skip(p, lastCycle) {
			log.Debugf("persona %s skipped this cycle", p.ID)
			continue
		}
		if err := s.seedPersona(p); err != nil {
			log.Warnf("seeding persona %s failed: %v", p.ID, err)
			continue
		}
		seeded++
	}

	if seeded == 0 {
		log.Info("no personas eligible, ceremony cycle skipped")
		return nil
	}
	log.Infof("ceremony cycle started for %d personas", seeded)
	return nil
}

// orderPersonas keeps creation order but moves the designated last persona
// to the end.
func (s *Scheduler) orderPersonas(list []*persona.Persona) []*persona.Persona {
	if s.cfg.LastPersona == "" {
		return list
	}
	out := make([]*persona.Persona, 0, len(list))
	var last *persona.Persona
	for _, p := range list {
		if p.ID == s.cfg.LastPersona {
			last = p
			continue
		}
		out = append(out, p)
	}
	if last != nil {
		out = append(out, last)
	}
	return out
}

// skip filters personas out of the cycle: paused, archived, or idle since
// the previous ceremony completed.
func (s *Scheduler) skip(p *persona.Persona, lastCycle time.Time) bool {
	if p.Paused || p.Archived {
		return true
	}
	if !lastCycle.IsZero() && !p.LastActivityAt.After(lastCycle) {
		return true
	}
	return false
}

// seedPersona writes the exposure cursor and enqueues the exposure item.
func (s *Scheduler) seedPersona(p *persona.Persona) error {
	if err := s.cursors.Put(Cursor{PersonaID: p.ID, Phase: PhaseExposure, LastRunAt: s.now()}); err != nil {
		return err
	}
	_, err := s.enq.Enqueue(s.buildPhaseItem(p, PhaseExposure))
	return err
}

// Resume re-enqueues the exact phase any persona was in when the process
// stopped. Phases are re-derivable from current entity state, so re-running
// one is safe. If every cursor already reached done but the final pass never
// ran, the finale is enqueued directly.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := logging.Get(logging.CategoryCeremony)

	all, err := s.cursors.All()
	if err != nil {
		return fmt.Errorf("inspect cursors: %w", err)
	}

	resumed := 0
	anyDone := false
	for _, c := range all {
		if c.Phase == PhaseDone {
			anyDone = true
			continue
		}
		if !c.Phase.Active() {
			continue
		}
		p, ok := s.state.GetPersona(c.PersonaID)
		if !ok {
			// Persona deleted mid-ceremony; close out its cursor.
			log.Warnf("cursor for missing persona %s cleared", c.PersonaID)
			_ = s.cursors.Put(Cursor{PersonaID: c.PersonaID, Phase: PhaseNone, LastRunAt: s.now()})
			continue
		}
		if _, err := s.enq.Enqueue(s.buildPhaseItem(p, c.Phase)); err != nil {
			log.Warnf("resume enqueue for persona %s: %v", c.PersonaID, err)
			continue
		}
		log.Infof("resumed persona %s at phase %s", c.PersonaID, c.Phase)
		resumed++
	}

	if resumed == 0 && anyDone {
		if _, err := s.enq.Enqueue(s.buildFinaleItem()); err != nil {
			return fmt.Errorf("resume finale: %w", err)
		}
		log.Info("resumed at final cross-entity pass")
	}
	return nil
}
