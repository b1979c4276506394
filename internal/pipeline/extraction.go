// Package pipeline contains the conversation-driven pipelines: a multi-step
// person/topic extraction chain and the cross-persona validation round. Each
// pipeline is nothing but a set of registered handlers; the orchestrator
// stays pipeline-agnostic.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"kindred/internal/engine"
	"kindred/internal/logging"
	"kindred/internal/persona"
)

// Handler tags for the extraction chain.
const (
	// TagScan identifies people and topics mentioned in a message.
	TagScan = "extract.scan"
	// TagDetail extracts structured facts about one mentioned subject.
	TagDetail = "extract.detail"
	// TagApply applies a cross-persona change after validation approved it.
	TagApply = "extract.apply"
)

// Meta keys threaded through the chain.
const (
	metaPersonaID = "persona_id"
	metaSubject   = "subject"
	metaTargetID  = "target_persona_id"
)

// Registrar is the slice of the orchestrator the pipeline binds into.
type Registrar interface {
	Register(tag string, h engine.Handler) error
}

// Extraction is the message-driven extraction pipeline.
type Extraction struct {
	now func() time.Time
}

// NewExtraction builds the pipeline.
func NewExtraction() *Extraction {
	return &Extraction{now: time.Now}
}

// Register binds the chain's handlers at startup.
func (e *Extraction) Register(reg Registrar) error {
	for tag, h := range map[string]engine.Handler{
		TagScan:   e.handleScan,
		TagDetail: e.handleDetail,
		TagApply:  e.handleApply,
	} {
		if err := reg.Register(tag, h); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

// NewMessageItem seeds the chain for one incoming chat message addressed to
// the given persona.
func (e *Extraction) NewMessageItem(personaID, message string) engine.WorkItem {
	var b strings.Builder
	b.WriteString("Identify the people and topics this message mentions. ")
	b.WriteString(`Reply with JSON: {"mentions":[{"name":"...","kind":"person|topic","context":"..."}]}` + "\n\n")
	b.WriteString("Message:\n")
	b.WriteString(message)

	return engine.WorkItem{
		Kind:     engine.KindStructured,
		Priority: engine.PriorityHigh,
		NextStep: TagScan,
		Meta:     map[string]string{metaPersonaID: personaID},
		Payload: engine.Payload{
			System: "You extract structured mentions from a chat message between a user and a companion persona.",
			User:   b.String(),
		},
	}
}

// handleScan is step one: topic mentions update the persona directly; each
// person mention chains a detail-extraction item.
func (e *Extraction) handleScan(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryPipeline)
	if !res.OK {
		log.Warnf("scan failed for persona %s: %s", item.Meta[metaPersonaID], res.ErrKind)
		return engine.HandlerResult{}, nil
	}

	var scan struct {
		Mentions []struct {
			Name    string `json:"name"`
			Kind    string `json:"kind"`
			Context string `json:"context"`
		} `json:"mentions"`
	}
	if err := res.Decode(&scan); err != nil {
		return engine.HandlerResult{}, fmt.Errorf("decode scan result: %w", err)
	}

	p, ok := state.GetPersona(item.Meta[metaPersonaID])
	if !ok {
		return engine.HandlerResult{}, fmt.Errorf("persona %s not found", item.Meta[metaPersonaID])
	}

	var followups []engine.WorkItem
	touched := false
	for _, m := range scan.Mentions {
		switch m.Kind {
		case "topic":
			weight := 0.5
			if t, found := p.Topic(m.Name); found && t.Weight > weight {
				weight = t.Weight
			}
			p.UpsertTopic(m.Name, weight, e.now())
			touched = true
		case "person":
			followups = append(followups, e.buildDetailItem(p.ID, m.Name, m.Context))
		}
	}
	p.LastActivityAt = e.now()
	if err := state.PutPersona(p); err != nil {
		return engine.HandlerResult{}, fmt.Errorf("persist persona %s: %w", p.ID, err)
	}
	if touched {
		log.Debugf("scan updated topics for persona %s", p.ID)
	}
	return engine.HandlerResult{Followups: followups}, nil
}

// buildDetailItem is the only place that knows how step two looks.
func (e *Extraction) buildDetailItem(personaID, subject, context string) engine.WorkItem {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract what this mention reveals about %q. ", subject)
	b.WriteString(`Reply with JSON: {"about":"human|persona","facts":[{"key":"...","value":"...","confidence":0.0}]}` + "\n\n")
	b.WriteString("Mention context:\n")
	b.WriteString(context)

	return engine.WorkItem{
		Kind:     engine.KindStructured,
		Priority: engine.PriorityNormal,
		NextStep: TagDetail,
		Meta: map[string]string{
			metaPersonaID: personaID,
			metaSubject:   subject,
		},
		Payload: engine.Payload{
			System: "You extract durable facts about people from conversational context.",
			User:   b.String(),
		},
	}
}

type detailResult struct {
	About string `json:"about"`
	Facts []struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

// handleDetail is step two. Facts about the human apply immediately. Facts
// about a different persona are a cross-persona claim and go through the
// validation hold: the reviewing persona must approve before anything is
// applied.
func (e *Extraction) handleDetail(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryPipeline)
	if !res.OK {
		log.Warnf("detail extraction failed for subject %q: %s", item.Meta[metaSubject], res.ErrKind)
		return engine.HandlerResult{}, nil
	}

	var detail detailResult
	if err := res.Decode(&detail); err != nil {
		return engine.HandlerResult{}, fmt.Errorf("decode detail result: %w", err)
	}

	if detail.About == "human" || detail.About == "" {
		applyHumanFacts(state, detail, e.now())
		return engine.HandlerResult{}, nil
	}

	// The subject is another persona. Find it by name; an unknown name is
	// treated as a fact about the human's world, not a persona.
	target := findPersonaByName(state, item.Meta[metaSubject])
	if target == nil || target.ID == item.Meta[metaPersonaID] {
		applyHumanFacts(state, detail, e.now())
		return engine.HandlerResult{}, nil
	}

	reviewer := findReviewer(state)
	if reviewer == nil {
		// No reviewing persona configured; apply directly rather than
		// strand the change.
		log.Infof("no reviewer persona, applying cross-persona change to %s directly", target.ID)
		applyPersonaFacts(state, target, detail, e.now())
		return engine.HandlerResult{}, nil
	}

	return engine.HandlerResult{
		Hold: &engine.HoldRequest{
			Reviewer:  reviewer.ID,
			Reason:    fmt.Sprintf("cross-persona change to %q from a message to %q", target.Name, item.Meta[metaPersonaID]),
			OnApprove: TagApply,
		},
	}, nil
}

// handleApply runs after a validation approval re-admitted the item. The
// re-executed result applies to the target persona without further review.
func (e *Extraction) handleApply(res engine.ExecutionResult, item engine.WorkItem, state persona.StateAccess) (engine.HandlerResult, error) {
	log := logging.Get(logging.CategoryPipeline)
	if !res.OK {
		log.Warnf("approved change for subject %q failed on re-execution: %s", item.Meta[metaSubject], res.ErrKind)
		return engine.HandlerResult{}, nil
	}

	var detail detailResult
	if err := res.Decode(&detail); err != nil {
		return engine.HandlerResult{}, fmt.Errorf("decode approved detail: %w", err)
	}

	target := findPersonaByName(state, item.Meta[metaSubject])
	if target == nil {
		return engine.HandlerResult{}, fmt.Errorf("approved change targets unknown persona %q", item.Meta[metaSubject])
	}
	applyPersonaFacts(state, target, detail, e.now())
	log.Infof("approved cross-persona change applied to %s", target.ID)
	return engine.HandlerResult{}, nil
}

// -----------------------------------------------------------------------------
// State helpers
// -----------------------------------------------------------------------------

func applyHumanFacts(state persona.StateAccess, detail detailResult, now time.Time) {
	human := state.Human()
	for _, f := range detail.Facts {
		if f.Key == "" {
			continue
		}
		human.SetFact(f.Key, f.Value, f.Confidence, now)
	}
	if err := state.PutHuman(human); err != nil {
		logging.Get(logging.CategoryPipeline).Warnf("persist human profile: %v", err)
	}
}

// applyPersonaFacts folds extracted facts into a persona as traits and topic
// signal.
func applyPersonaFacts(state persona.StateAccess, target *persona.Persona, detail detailResult, now time.Time) {
	for _, f := range detail.Facts {
		if f.Key == "" {
			continue
		}
		trait := fmt.Sprintf("%s: %s", f.Key, f.Value)
		if !containsString(target.Traits, trait) {
			target.Traits = append(target.Traits, trait)
		}
	}
	if err := state.PutPersona(target); err != nil {
		logging.Get(logging.CategoryPipeline).Warnf("persist persona %s: %v", target.ID, err)
	}
}

func findPersonaByName(state persona.StateAccess, name string) *persona.Persona {
	for _, p := range state.ListPersonas() {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

func findReviewer(state persona.StateAccess) *persona.Persona {
	for _, p := range state.ListPersonas() {
		if p.Reviewer && !p.Paused && !p.Archived {
			return p
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
