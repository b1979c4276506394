package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindred/internal/ceremony"
	"kindred/internal/persona"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "kindred.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PersonaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	p := &persona.Persona{
		ID:        "p-1",
		Name:      "Ada",
		Traits:    []string{"curious"},
		Reviewer:  true,
		CreatedAt: created,
	}
	p.UpsertTopic("sailing", 0.7, created)
	require.NoError(t, s.SavePersona(p))

	// Upsert replaces, not duplicates.
	p.Name = "Ada v2"
	require.NoError(t, s.SavePersona(p))

	loaded, err := s.LoadPersonas()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	if diff := cmp.Diff(p, loaded[0]); diff != "" {
		t.Errorf("persona changed across round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Ada v2", loaded[0].Name)
}

func TestStore_DeletePersonaRemovesCursor(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SavePersona(&persona.Persona{ID: "p-1", Name: "Ada", CreatedAt: time.Now()}))
	require.NoError(t, s.Put(ceremony.Cursor{PersonaID: "p-1", Phase: ceremony.PhaseDecay, LastRunAt: time.Now()}))

	require.NoError(t, s.DeletePersona("p-1"))

	personas, err := s.LoadPersonas()
	require.NoError(t, err)
	assert.Empty(t, personas)
	_, found, err := s.Get("p-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_HumanProfile(t *testing.T) {
	s := openTestStore(t)

	// Empty store yields an empty profile, not an error.
	h, err := s.LoadHuman()
	require.NoError(t, err)
	assert.Empty(t, h.Name)
	assert.Empty(t, h.Facts)

	h.Name = "Sam"
	h.SetFact("hometown", "Lisbon", 0.8, time.Now().UTC())
	require.NoError(t, s.SaveHuman(h))

	loaded, err := s.LoadHuman()
	require.NoError(t, err)
	assert.Equal(t, "Sam", loaded.Name)
	require.Len(t, loaded.Facts, 1)
	assert.Equal(t, "Lisbon", loaded.Facts[0].Value)
}

func TestStore_CursorStore(t *testing.T) {
	s := openTestStore(t)
	runAt := time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)

	_, found, err := s.Get("p-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ceremony.Cursor{PersonaID: "p-1", Phase: ceremony.PhaseExposure, LastRunAt: runAt}))
	require.NoError(t, s.Put(ceremony.Cursor{PersonaID: "p-2", Phase: ceremony.PhaseDone, LastRunAt: runAt}))
	// Upsert advances in place.
	require.NoError(t, s.Put(ceremony.Cursor{PersonaID: "p-1", Phase: ceremony.PhaseDecay, LastRunAt: runAt.Add(time.Minute)}))

	c, found, err := s.Get("p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ceremony.PhaseDecay, c.Phase)
	assert.True(t, c.LastRunAt.Equal(runAt.Add(time.Minute)))

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_LastCycleAt(t *testing.T) {
	s := openTestStore(t)

	got, err := s.LastCycleAt()
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "no completed cycle reads as zero")

	stamp := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastCycleAt(stamp))
	got, err = s.LastCycleAt()
	require.NoError(t, err)
	assert.True(t, got.Equal(stamp))
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kindred.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SavePersona(&persona.Persona{ID: "p-1", Name: "Ada", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	personas, err := s.LoadPersonas()
	require.NoError(t, err)
	require.Len(t, personas, 1)
	assert.Equal(t, "Ada", personas[0].Name)
}
