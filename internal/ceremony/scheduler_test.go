package ceremony

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindred/internal/engine"
	"kindred/internal/persona"
)

// memCursors is an in-memory CursorStore for scheduler tests.
type memCursors struct {
	mu        sync.Mutex
	cursors   map[string]Cursor
	lastCycle time.Time
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]Cursor)}
}

func (m *memCursors) Get(id string) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[id]
	return c, ok, nil
}

func (m *memCursors) Put(c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.PersonaID] = c
	return nil
}

func (m *memCursors) All() ([]Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		out = append(out, c)
	}
	return out, nil
}

func (m *memCursors) LastCycleAt() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycle, nil
}

func (m *memCursors) SetLastCycleAt(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCycle = t
	return nil
}

func (m *memCursors) phase(id string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[id].Phase
}

// captureEnqueuer records every enqueued item.
type captureEnqueuer struct {
	mu    sync.Mutex
	items []engine.WorkItem
}

func (c *captureEnqueuer) Enqueue(item engine.WorkItem) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return "test-id", nil
}

func (c *captureEnqueuer) tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.NextStep
	}
	return out
}

func (c *captureEnqueuer) personaIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.Meta["persona_id"]
	}
	return out
}

var testTime = time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)

func testPersona(id string, created time.Time) *persona.Persona {
	return &persona.Persona{
		ID:             id,
		Name:           id,
		CreatedAt:      created,
		LastActivityAt: created,
	}
}

func newTestScheduler(cfg Config, personas ...*persona.Persona) (*Scheduler, *memCursors, *captureEnqueuer, *persona.MemoryState) {
	state := persona.NewMemoryState(personas, &persona.HumanProfile{})
	cursors := newMemCursors()
	enq := &captureEnqueuer{}
	s := NewScheduler(cfg, state, cursors, enq, nil)
	s.now = func() time.Time { return testTime }
	return s, cursors, enq, state
}

// structured wraps a value as a successful execution result.
func structured(t *testing.T, v interface{}) engine.ExecutionResult {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return engine.ExecutionResult{OK: true, Content: string(raw), Structured: raw}
}

func phaseItem(personaID string, tag string) engine.WorkItem {
	return engine.WorkItem{NextStep: tag, Meta: map[string]string{"persona_id": personaID}}
}

func TestTriggerCycle_SeedsEligiblePersonas(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	active := testPersona("p-active", created)
	paused := testPersona("p-paused", created)
	paused.Paused = true
	archived := testPersona("p-archived", created)
	archived.Archived = true

	s, cursors, enq, _ := newTestScheduler(DefaultConfig(), active, paused, archived)

	require.NoError(t, s.TriggerCycle())

	assert.Equal(t, []string{TagExposure}, enq.tags())
	assert.Equal(t, []string{"p-active"}, enq.personaIDs())
	assert.Equal(t, PhaseExposure, cursors.phase("p-active"))
	assert.False(t, cursors.phase("p-paused").Active())
}

func TestTriggerCycle_SkipsIdlePersonas(t *testing.T) {
	created := testTime.Add(-96 * time.Hour)
	idle := testPersona("p-idle", created)
	busy := testPersona("p-busy", created)
	busy.LastActivityAt = testTime.Add(-time.Hour)

	s, _, enq, _ := newTestScheduler(DefaultConfig(), idle, busy)
	require.NoError(t, s.cursors.SetLastCycleAt(testTime.Add(-24*time.Hour)))

	require.NoError(t, s.TriggerCycle())

	assert.Equal(t, []string{"p-busy"}, enq.personaIDs(),
		"personas idle since the previous cycle are skipped")
}

func TestTriggerCycle_LastPersonaOrdering(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	cfg := DefaultConfig()
	cfg.LastPersona = "p-b"

	s, _, enq, _ := newTestScheduler(cfg,
		testPersona("p-a", created),
		testPersona("p-b", created.Add(time.Minute)),
		testPersona("p-c", created.Add(2*time.Minute)))

	require.NoError(t, s.TriggerCycle())
	assert.Equal(t, []string{"p-a", "p-c", "p-b"}, enq.personaIDs())
}

func TestTriggerCycle_NoOpWhileInProgress(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	s, cursors, enq, _ := newTestScheduler(DefaultConfig(), testPersona("p-1", created))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseDecay, LastRunAt: testTime}))

	require.NoError(t, s.TriggerCycle())

	assert.Empty(t, enq.items, "a running cycle must not be restarted")
	assert.Equal(t, PhaseDecay, cursors.phase("p-1"))
}

func TestExposure_AppliesWeightsAndChainsDecay(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	p := testPersona("p-1", created)
	p.UpsertTopic("sailing", 0.3, created)
	p.UpsertTopic("jazz", 0.8, created)

	s, cursors, _, state := newTestScheduler(DefaultConfig(), p)

	res := structured(t, map[string]interface{}{
		"topics": []map[string]interface{}{
			{"name": "sailing", "weight": 0.9},
			{"name": "unknown", "weight": 0.5},
		},
	})
	hr, err := s.handleExposure(res, phaseItem("p-1", TagExposure), state)
	require.NoError(t, err)

	got, _ := state.GetPersona("p-1")
	sailing, _ := got.Topic("sailing")
	assert.InDelta(t, 0.9, sailing.Weight, 1e-9)
	jazz, _ := got.Topic("jazz")
	assert.InDelta(t, 0.8, jazz.Weight, 1e-9, "unlisted topics keep their weight")
	_, found := got.Topic("unknown")
	assert.False(t, found, "weight phases never create topics")

	assert.Equal(t, PhaseDecay, cursors.phase("p-1"))
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagDecay, hr.Followups[0].NextStep)
}

func TestDecay_FailedResultAdvancesAnyway(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	p := testPersona("p-1", created)
	p.UpsertTopic("sailing", 0.3, created)

	s, cursors, _, state := newTestScheduler(DefaultConfig(), p)

	hr, err := s.handleDecay(engine.Failure(engine.ErrTimeout, "slow"), phaseItem("p-1", TagDecay), state)
	require.NoError(t, err)

	got, _ := state.GetPersona("p-1")
	sailing, _ := got.Topic("sailing")
	assert.InDelta(t, 0.3, sailing.Weight, 1e-9, "a failed phase changes nothing")
	assert.Equal(t, PhaseExpire, cursors.phase("p-1"), "the cycle advances past a failed phase")
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagExpire, hr.Followups[0].NextStep)
}

func TestExpire_RemovesTopicsAndTriggersExplore(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	p := testPersona("p-1", created)
	p.UpsertTopic("stale", 0.01, created)
	p.UpsertTopic("fresh", 0.9, created)

	cfg := DefaultConfig()
	cfg.MinActiveTopics = 3
	s, cursors, _, state := newTestScheduler(cfg, p)

	res := structured(t, map[string]interface{}{"remove": []string{"stale"}})
	hr, err := s.handleExpire(res, phaseItem("p-1", TagExpire), state)
	require.NoError(t, err)

	got, _ := state.GetPersona("p-1")
	_, found := got.Topic("stale")
	assert.False(t, found)

	// One active topic is below the minimum of three, so explore runs.
	assert.Equal(t, PhaseExplore, cursors.phase("p-1"))
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagExplore, hr.Followups[0].NextStep)
}

func TestExpire_SkipsExploreWhenTopicsSuffice(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	p := testPersona("p-1", created)
	p.UpsertTopic("a", 0.9, created)
	p.UpsertTopic("b", 0.8, created)

	cfg := DefaultConfig()
	cfg.MinActiveTopics = 2
	s, cursors, _, state := newTestScheduler(cfg, p)
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseExpire, LastRunAt: testTime}))

	res := structured(t, map[string]interface{}{"remove": []string{}})
	hr, err := s.handleExpire(res, phaseItem("p-1", TagExpire), state)
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, cursors.phase("p-1"))
	// Sole persona in the cycle, so finishing it chains the finale.
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagFinale, hr.Followups[0].NextStep)
}

func TestExplore_AddsTopicsAndFinishes(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	p := testPersona("p-1", created)
	p.UpsertTopic("sailing", 0.9, created)

	s, cursors, _, state := newTestScheduler(DefaultConfig(), p)
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseExplore, LastRunAt: testTime}))

	res := structured(t, map[string]interface{}{
		"add": []map[string]interface{}{
			{"name": "navigation", "weight": 0.4},
			{"name": "", "weight": 0.4},
			{"name": "overclamped", "weight": 3.0},
		},
	})
	hr, err := s.handleExplore(res, phaseItem("p-1", TagExplore), state)
	require.NoError(t, err)

	got, _ := state.GetPersona("p-1")
	nav, found := got.Topic("navigation")
	require.True(t, found)
	assert.InDelta(t, 0.4, nav.Weight, 1e-9)
	clamped, found := got.Topic("overclamped")
	require.True(t, found)
	assert.InDelta(t, 1.0, clamped.Weight, 1e-9, "weights clamp to [0,1]")
	assert.Len(t, got.Topics, 3, "empty names are ignored")

	assert.Equal(t, PhaseDone, cursors.phase("p-1"))
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagFinale, hr.Followups[0].NextStep)
}

func TestFinishPersona_WaitsForStragglers(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	s, cursors, _, state := newTestScheduler(DefaultConfig(),
		testPersona("p-1", created), testPersona("p-2", created))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseExplore, LastRunAt: testTime}))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-2", Phase: PhaseDecay, LastRunAt: testTime}))

	res := structured(t, map[string]interface{}{"add": []map[string]interface{}{}})
	hr, err := s.handleExplore(res, phaseItem("p-1", TagExplore), state)
	require.NoError(t, err)

	assert.Empty(t, hr.Followups, "the finale waits until every persona is done")
	assert.Equal(t, PhaseDone, cursors.phase("p-1"))
	assert.Equal(t, PhaseDecay, cursors.phase("p-2"))
}

func TestFinale_UpdatesConfidenceAndClosesCycle(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	s, cursors, _, state := newTestScheduler(DefaultConfig(), testPersona("p-1", created))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseDone, LastRunAt: testTime}))

	human := state.Human()
	human.SetFact("favorite_food", "ramen", 0.9, testTime)
	human.SetFact("hometown", "Lisbon", 0.8, testTime)
	require.NoError(t, state.PutHuman(human))

	res := structured(t, map[string]interface{}{
		"facts": []map[string]interface{}{
			{"key": "favorite_food", "confidence": 0.4},
		},
	})
	hr, err := s.handleFinale(res, engine.WorkItem{NextStep: TagFinale}, state)
	require.NoError(t, err)
	assert.Empty(t, hr.Followups)

	got := state.Human()
	for _, f := range got.Facts {
		switch f.Key {
		case "favorite_food":
			assert.InDelta(t, 0.4, f.Confidence, 1e-9)
		case "hometown":
			assert.InDelta(t, 0.8, f.Confidence, 1e-9)
		}
	}

	assert.Equal(t, PhaseNone, cursors.phase("p-1"), "closing the cycle resets cursors")
	last, err := cursors.LastCycleAt()
	require.NoError(t, err)
	assert.Equal(t, testTime, last)

	busy, err := s.InProgress()
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestHandler_MissingPersonaClearsCursor(t *testing.T) {
	s, cursors, _, state := newTestScheduler(DefaultConfig())
	require.NoError(t, cursors.Put(Cursor{PersonaID: "gone", Phase: PhaseDecay, LastRunAt: testTime}))

	res := structured(t, map[string]interface{}{"topics": []map[string]interface{}{}})
	hr, err := s.handleDecay(res, phaseItem("gone", TagDecay), state)
	require.NoError(t, err)

	assert.False(t, cursors.phase("gone").Active())
	// The vanished persona was the only cursor, so the finale chains.
	require.Len(t, hr.Followups, 1)
	assert.Equal(t, TagFinale, hr.Followups[0].NextStep)
}

func TestResume_ReEnqueuesMidPhaseItems(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	s, cursors, enq, _ := newTestScheduler(DefaultConfig(),
		testPersona("p-1", created), testPersona("p-2", created))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseDecay, LastRunAt: testTime}))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-2", Phase: PhaseDone, LastRunAt: testTime}))

	require.NoError(t, s.Resume())

	assert.Equal(t, []string{TagDecay}, enq.tags())
	assert.Equal(t, []string{"p-1"}, enq.personaIDs())
}

func TestResume_EnqueuesFinaleWhenAllDone(t *testing.T) {
	created := testTime.Add(-48 * time.Hour)
	s, cursors, enq, _ := newTestScheduler(DefaultConfig(), testPersona("p-1", created))
	require.NoError(t, cursors.Put(Cursor{PersonaID: "p-1", Phase: PhaseDone, LastRunAt: testTime}))

	require.NoError(t, s.Resume())
	assert.Equal(t, []string{TagFinale}, enq.tags())
}

func TestResume_ClearsCursorForMissingPersona(t *testing.T) {
	s, cursors, enq, _ := newTestScheduler(DefaultConfig())
	require.NoError(t, cursors.Put(Cursor{PersonaID: "gone", Phase: PhaseExpire, LastRunAt: testTime}))

	require.NoError(t, s.Resume())
	assert.Empty(t, enq.tags())
	assert.False(t, cursors.phase("gone").Active())
}

func TestNextFireTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hour, cfg.Minute = 3, 30
	s, _, _, _ := newTestScheduler(cfg)

	t.Run("before fire time", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC), s.nextFireTime(now))
	})
	t.Run("after fire time rolls to tomorrow", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), s.nextFireTime(now))
	})
	t.Run("exactly at fire time rolls forward", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), s.nextFireTime(now))
	})
}
