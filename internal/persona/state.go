package persona

import (
	"fmt"
	"sync"
	"time"
)

// StateAccess is the mutable entity handle passed to pipeline and ceremony
// handlers. All mutation happens inside handler bodies, which the
// orchestrator runs strictly sequentially, so implementations only need to
// guard against concurrent readers (status commands, event subscribers).
type StateAccess interface {
	GetPersona(id string) (*Persona, bool)
	PutPersona(p *Persona) error
	ListPersonas() []*Persona
	Human() *HumanProfile
	PutHuman(h *HumanProfile) error
}

// ChangeNotifier receives "entity changed" signals so external persistence
// can react. The engine itself persists nothing.
type ChangeNotifier interface {
	EntityChanged(kind, id string)
}

// NotifierFunc adapts a function to ChangeNotifier.
type NotifierFunc func(kind, id string)

// EntityChanged implements ChangeNotifier.
func (f NotifierFunc) EntityChanged(kind, id string) { f(kind, id) }

// Entity kinds passed to ChangeNotifier.
const (
	KindPersona = "persona"
	KindHuman   = "human"
)

// MemoryState is the in-memory StateAccess implementation. It is loaded from
// the store at startup and writes through a ChangeNotifier.
type MemoryState struct {
	mu       sync.RWMutex
	personas map[string]*Persona
	human    *HumanProfile
	notify   ChangeNotifier
}

// NewMemoryState builds a state handle seeded with the given entities.
func NewMemoryState(personas []*Persona, human *HumanProfile) *MemoryState {
	m := &MemoryState{
		personas: make(map[string]*Persona, len(personas)),
		human:    human,
	}
	for _, p := range personas {
		m.personas[p.ID] = p
	}
	if m.human == nil {
		m.human = &HumanProfile{}
	}
	return m
}

// SetNotifier attaches the persistence notifier. Nil disables notification.
func (m *MemoryState) SetNotifier(n ChangeNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = n
}

// GetPersona returns a copy-safe pointer to the persona with the given ID.
func (m *MemoryState) GetPersona(id string) (*Persona, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	return p, ok
}

// PutPersona inserts or replaces a persona and signals the notifier.
func (m *MemoryState) PutPersona(p *Persona) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("persona requires an ID")
	}
	m.mu.Lock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.personas[p.ID] = p
	n := m.notify
	m.mu.Unlock()

	if n != nil {
		n.EntityChanged(KindPersona, p.ID)
	}
	return nil
}

// ListPersonas returns all personas ordered by creation time, then ID.
func (m *MemoryState) ListPersonas() []*Persona {
	m.mu.RLock()
	list := make([]*Persona, 0, len(m.personas))
	for _, p := range m.personas {
		list = append(list, p)
	}
	m.mu.RUnlock()

	sortPersonas(list)
	return list
}

// Human returns the shared human profile.
func (m *MemoryState) Human() *HumanProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.human
}

// PutHuman replaces the human profile and signals the notifier.
func (m *MemoryState) PutHuman(h *HumanProfile) error {
	if h == nil {
		return fmt.Errorf("human profile must not be nil")
	}
	m.mu.Lock()
	m.human = h
	n := m.notify
	m.mu.Unlock()

	if n != nil {
		n.EntityChanged(KindHuman, "")
	}
	return nil
}
