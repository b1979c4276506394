// Package ceremony implements the nightly multi-phase maintenance pass:
// exposure, decay, and expiry of every active persona's topics, an optional
// explore phase for personas left with too few topics, and a final
// cross-entity pass over the shared human profile.
package ceremony

import (
	"fmt"
	"time"
)

// Phase is a persona's position in the ceremony state machine. Transitions
// run strictly in order; explore is conditionally skipped.
type Phase string

const (
	PhaseNone     Phase = "none"
	PhaseExposure Phase = "exposure"
	PhaseDecay    Phase = "decay"
	PhaseExpire   Phase = "expire"
	PhaseExplore  Phase = "explore"
	PhaseDone     Phase = "done"
)

// ParsePhase validates a stored phase string.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseNone, PhaseExposure, PhaseDecay, PhaseExpire, PhaseExplore, PhaseDone:
		return Phase(s), nil
	default:
		return PhaseNone, fmt.Errorf("unknown ceremony phase %q", s)
	}
}

// Active reports whether the phase is mid-ceremony (neither none nor done).
func (p Phase) Active() bool {
	return p != PhaseNone && p != PhaseDone
}

// Cursor records where a persona stands in the current cycle. Cursors are
// persisted so a restart resumes at the exact phase instead of re-running
// the chain from exposure.
type Cursor struct {
	PersonaID string
	Phase     Phase
	LastRunAt time.Time
}

// CursorStore persists ceremony cursors and cycle bookkeeping. The scheduler
// is the only writer.
type CursorStore interface {
	Get(personaID string) (Cursor, bool, error)
	Put(c Cursor) error
	All() ([]Cursor, error)
	// LastCycleAt is when the previous full cycle completed; zero if never.
	LastCycleAt() (time.Time, error)
	SetLastCycleAt(t time.Time) error
}
