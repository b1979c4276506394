package ceremony

import (
	"encoding/json"
	"fmt"
	"strings"

	"kindred/internal/engine"
	"kindred/internal/logging"
	"kindred/internal/persona"
)

// Handler tags for the ceremony chain. Each phase handler is the only place
// that knows how to build the next phase's item.
const (
	TagExposure = "ceremony.exposure"
	TagDecay    = "ceremony.decay"
	TagExpire   = "ceremony.expire"
	TagExplore  = "ceremony.explore"
	TagFinale   = "ceremony.finale"
)

const metaPersonaID = "persona_id"

// Registrar is the slice of the orchestrator the scheduler binds into.
type Registrar interface {
	Register(tag string, h engine.Handler) error
}

// RegisterHandlers binds every ceremony phase handler. Called once at
// startup, before anything can enqueue ceremony items.
func (s *Scheduler) RegisterHandlers(reg Registrar) error {
	for tag, h := range map[string]engine.Handler{
		TagExposure: s.handleExposure,
		TagDecay:    s.handleDecay,
		TagExpire:   s.handleExpire,
		TagExplore:  s.handleExplore,
		TagFinale:   s.handleFinale,
	} {
		if err := reg.Register(tag, h); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Item builders
// -----------------------------------------------------------------------------

func (s *Scheduler) buildPhaseItem(p *persona.Persona, phase Phase) engine.WorkItem {
	tag := map[Phase]string{
		PhaseExposure: TagExposure,
		PhaseDecay:    TagDecay,
		PhaseExpire:   TagExpire,
		PhaseExplore:  TagExplore,
	}[phase]

	return engine.WorkItem{
		Kind:     engine.KindStructured,
		Priority: engine.PriorityLow,
		NextStep: tag,
		Meta:     map[string]string{metaPersonaID: p.ID},
		Payload:  s.phasePayload(p, phase),
	}
}

func (s *Scheduler) buildFinaleItem() engine.WorkItem {
	human := s.state.Human()
	facts, _ := json.Marshal(human.Facts)

	var b strings.Builder
	b.WriteString("These are learned facts about the user with confidence scores. ")
	b.WriteString("Lower the confidence of facts that look stale or superseded; leave the rest unchanged. ")
	b.WriteString(`Reply with JSON: {"facts":[{"key":"...","confidence":0.0}]}` + "\n\n")
	b.Write(facts)

	return engine.WorkItem{
		Kind:     engine.KindStructured,
		Priority: engine.PriorityLow,
		NextStep: TagFinale,
		Payload: engine.Payload{
			System: "You maintain a long-term memory of a user shared by several companion personas.",
			User:   b.String(),
		},
	}
}

// phasePayload builds the per-phase instruction set over the persona's
// current topics. Payloads are re-derived from current state each time so a
// resumed phase sees reality, not a stale in-memory delta.
func (s *Scheduler) phasePayload(p *persona.Persona, phase Phase) engine.Payload {
	topics := make([]map[string]interface{}, 0, len(p.Topics))
	for _, t := range p.Topics {
		topics = append(topics, map[string]interface{}{
			"name":      t.Name,
			"weight":    t.Weight,
			"last_seen": t.LastSeen,
		})
	}
	topicJSON, _ := json.Marshal(topics)

	system := fmt.Sprintf("You maintain the interest profile of the companion persona %q.", p.Name)
	var b strings.Builder
	switch phase {
	case PhaseExposure:
		b.WriteString("Re-rank these topics by how present they have been in recent conversation, raising weights for recently seen topics. ")
		b.WriteString(`Reply with JSON: {"topics":[{"name":"...","weight":0.0}]}`)
	case PhaseDecay:
		b.WriteString("Decay the weights of topics that have not been seen recently. ")
		b.WriteString(`Reply with JSON: {"topics":[{"name":"...","weight":0.0}]}`)
	case PhaseExpire:
		fmt.Fprintf(&b, "List the topics that should be forgotten entirely (weight under %.2f or clearly abandoned). ", s.cfg.ExpireBelowWeight)
		b.WriteString(`Reply with JSON: {"remove":["..."]}`)
	case PhaseExplore:
		fmt.Fprintf(&b, "The persona has too few active interests. Propose new topics adjacent to the existing ones, up to %d total. ", s.cfg.MinActiveTopics)
		b.WriteString(`Reply with JSON: {"add":[{"name":"...","weight":0.0}]}`)
	}
	b.WriteString("\n\nCurrent topics:\n")
	b.Write(topicJSON)

	return engine.Payload{System: system, User: b.String()}
}

// -----------------------------------------------------------------------------
// Phase handlers
// -----------------------------------------------------------------------------
//
// Every handler follows the same contract: apply the phase result when it
// succeeded, log and move on when it failed (a terminal phase failure never
// halts the nightly cycle for one persona), then advance the cursor and
// return the next phase's item.

type topicWeights struct {
	Topics []struct {
		Name   string  `json:"name"`
		Weight float64 `json:"weight"`
	} `json:"topics"`
}

func (s *Scheduler) handleExposure(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	return s.weightPhase(res, item, state, PhaseExposure, PhaseDecay)
}

func (s *Scheduler) handleDecay(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	return s.weightPhase(res, item, state, PhaseDecay, PhaseExpire)
}

// weightPhase applies a topic-weight update (exposure and decay share the
// response shape) and chains the next phase.
func (s *Scheduler) weightPhase(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess, from, to Phase) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryCeremony)
	p, ok := state.GetPersona(item.Meta[metaPersonaID])
	if !ok {
		return s.dropMissingPersona(item)
	}

	if res.OK {
		var update topicWeights
		if err := res.Decode(&update); err != nil {
			log.Warnf("%s result for %s undecodable, advancing anyway: %v", from, p.ID, err)
		} else {
			for _, t := range update.Topics {
				if existing, found := p.Topic(t.Name); found {
					existing.Weight = clampWeight(t.Weight)
				}
			}
			if err := state.PutPersona(p); err != nil {
				log.Warnf("persist persona %s after %s: %v", p.ID, from, err)
			}
		}
	} else {
		log.Warnf("%s phase failed for %s (%s), advancing anyway", from, p.ID, res.ErrKind)
	}

	if err := s.advance(p.ID, from, to); err != nil {
		return engine.HandlerResult{}, err
	}
	return engine.HandlerResult{Followups: []engine.WorkItem{s.buildPhaseItem(p, to)}}, nil
}

func (s *Scheduler) handleExpire(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryCeremony)
	p, ok := state.GetPersona(item.Meta[metaPersonaID])
	if !ok {
		return s.dropMissingPersona(item)
	}

	if res.OK {
		var update struct {
			Remove []string `json:"remove"`
		}
		if err := res.Decode(&update); err != nil {
			log.Warnf("expire result for %s undecodable, advancing anyway: %v", p.ID, err)
		} else {
			for _, name := range update.Remove {
				p.RemoveTopic(name)
			}
			if err := state.PutPersona(p); err != nil {
				log.Warnf("persist persona %s after expire: %v", p.ID, err)
			}
		}
	} else {
		log.Warnf("expire phase failed for %s (%s), advancing anyway", p.ID, res.ErrKind)
	}

	// explore runs only when expiry left the persona with too few active
	// topics; otherwise the persona is done.
	if p.ActiveTopicCount(s.cfg.ActiveTopicWeight) < s.cfg.MinActiveTopics {
		if err := s.advance(p.ID, PhaseExpire, PhaseExplore); err != nil {
			return engine.HandlerResult{}, err
		}
		return engine.HandlerResult{Followups: []engine.WorkItem{s.buildPhaseItem(p, PhaseExplore)}}, nil
	}
	return s.finishPersona(p.ID, PhaseExpire)
}

func (s *Scheduler) handleExplore(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryCeremony)
	p, ok := state.GetPersona(item.Meta[metaPersonaID])
	if !ok {
		return s.dropMissingPersona(item)
	}

	if res.OK {
		var update struct {
			Add []struct {
				Name   string  `json:"name"`
				Weight float64 `json:"weight"`
			} `json:"add"`
		}
		if err := res.Decode(&update); err != nil {
			log.Warnf("explore result for %s undecodable, advancing anyway: %v", p.ID, err)
		} else {
			for _, t := range update.Add {
				if t.Name == "" {
					continue
				}
				p.UpsertTopic(t.Name, clampWeight(t.Weight), s.now())
			}
			if err := state.PutPersona(p); err != nil {
				log.Warnf("persist persona %s after explore: %v", p.ID, err)
			}
		}
	} else {
		log.Warnf("explore phase failed for %s (%s), advancing anyway", p.ID, res.ErrKind)
	}

	return s.finishPersona(p.ID, PhaseExplore)
}

func (s *Scheduler) handleFinale(res engine.ExecutionResult, _ engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryCeremony)

	if res.OK {
		var update struct {
			Facts []struct {
				Key        string  `json:"key"`
				Confidence float64 `json:"confidence"`
			} `json:"facts"`
		}
		if err := res.Decode(&update); err != nil {
			log.Warnf("finale result undecodable, closing cycle anyway: %v", err)
		} else {
			human := state.Human()
			for _, f := range update.Facts {
				for i := range human.Facts {
					if human.Facts[i].Key == f.Key {
						human.Facts[i].Confidence = clampWeight(f.Confidence)
					}
				}
			}
			if err := state.PutHuman(human); err != nil {
				log.Warnf("persist human profile after finale: %v", err)
			}
		}
	} else {
		log.Warnf("finale failed (%s), closing cycle anyway", res.ErrKind)
	}

	if err := s.closeCycle(); err != nil {
		return engine.HandlerResult{}, err
	}
	log.Info("ceremony cycle complete")
	return engine.HandlerResult{}, nil
}

// -----------------------------------------------------------------------------
// Cursor bookkeeping
// -----------------------------------------------------------------------------

// advance moves one persona's cursor and publishes the phase event.
func (s *Scheduler) advance(personaID string, from, to Phase) error {
	if err := s.cursors.Put(Cursor{PersonaID: personaID, Phase: to, LastRunAt: s.now()}); err != nil {
		return fmt.Errorf("advance cursor for %s: %w", personaID, err)
	}
	if s.bus != nil {
		s.bus.Publish(engine.EventCeremonyPhaseAdvanced, map[string]interface{}{
			"persona_id": personaID,
			"from":       string(from),
			"to":         string(to),
		})
	}
	return nil
}

// finishPersona marks a persona done and, when it was the last one still
// running, chains the final cross-entity pass.
func (s *Scheduler) finishPersona(personaID string, from Phase) (engine.HandlerResult, error) {
	if err := s.advance(personaID, from, PhaseDone); err != nil {
		return engine.HandlerResult{}, err
	}

	all, err := s.cursors.All()
	if err != nil {
		return engine.HandlerResult{}, fmt.Errorf("inspect cursors: %w", err)
	}
	for _, c := range all {
		if c.Phase.Active() {
			return engine.HandlerResult{}, nil
		}
	}
	return engine.HandlerResult{Followups: []engine.WorkItem{s.buildFinaleItem()}}, nil
}

// closeCycle resets every cursor and stamps the cycle completion time.
func (s *Scheduler) closeCycle() error {
	all, err := s.cursors.All()
	if err != nil {
		return err
	}
	now := s.now()
	for _, c := range all {
		c.Phase = PhaseNone
		c.LastRunAt = now
		if err := s.cursors.Put(c); err != nil {
			return err
		}
	}
	return s.cursors.SetLastCycleAt(now)
}

// dropMissingPersona closes out the cursor of a persona deleted mid-flight.
func (s *Scheduler) dropMissingPersona(item engine.WorkItem) (engine.HandlerResult, error) {
	id := item.Meta[metaPersonaID]
	logging.Get(logging.CategoryCeremony).Warnf("persona %s vanished mid-ceremony, clearing cursor", id)
	if err := s.cursors.Put(Cursor{PersonaID: id, Phase: PhaseDone, LastRunAt: s.now()}); err != nil {
		return engine.HandlerResult{}, err
	}
	return s.finishPersona(id, PhaseDone)
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
