package persona

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestMemoryState_PutGetList(t *testing.T) {
	state := NewMemoryState(nil, &HumanProfile{})

	require.Error(t, state.PutPersona(nil))
	require.Error(t, state.PutPersona(&Persona{}), "an ID is required")

	second := &Persona{ID: "p-2", Name: "Maya", CreatedAt: baseTime.Add(time.Hour)}
	first := &Persona{ID: "p-1", Name: "Ada", CreatedAt: baseTime}
	require.NoError(t, state.PutPersona(second))
	require.NoError(t, state.PutPersona(first))

	got, ok := state.GetPersona("p-1")
	require.True(t, ok)
	assert.Equal(t, "Ada", got.Name)
	_, ok = state.GetPersona("missing")
	assert.False(t, ok)

	list := state.ListPersonas()
	require.Len(t, list, 2)
	assert.Equal(t, "p-1", list[0].ID, "listing is ordered by creation time")
	assert.Equal(t, "p-2", list[1].ID)
}

func TestMemoryState_NotifierWriteThrough(t *testing.T) {
	state := NewMemoryState(nil, &HumanProfile{})

	type change struct{ kind, id string }
	var changes []change
	state.SetNotifier(NotifierFunc(func(kind, id string) {
		changes = append(changes, change{kind, id})
	}))

	require.NoError(t, state.PutPersona(&Persona{ID: "p-1", CreatedAt: baseTime}))
	require.NoError(t, state.PutHuman(&HumanProfile{Name: "Sam"}))

	require.Len(t, changes, 2)
	assert.Equal(t, change{KindPersona, "p-1"}, changes[0])
	assert.Equal(t, change{KindHuman, ""}, changes[1])
}

func TestPersona_TopicOperations(t *testing.T) {
	p := &Persona{ID: "p-1"}

	p.UpsertTopic("sailing", 0.5, baseTime)
	p.UpsertTopic("jazz", 0.9, baseTime)
	p.UpsertTopic("sailing", 0.7, baseTime.Add(time.Hour))

	require.Len(t, p.Topics, 2, "upsert must not duplicate")
	topic, found := p.Topic("sailing")
	require.True(t, found)
	assert.InDelta(t, 0.7, topic.Weight, 1e-9)
	assert.Equal(t, baseTime.Add(time.Hour), topic.LastSeen)

	// An earlier sighting never rolls LastSeen back.
	p.UpsertTopic("sailing", 0.6, baseTime.Add(-time.Hour))
	topic, _ = p.Topic("sailing")
	assert.Equal(t, baseTime.Add(time.Hour), topic.LastSeen)

	assert.Equal(t, 2, p.ActiveTopicCount(0.2))
	assert.Equal(t, 1, p.ActiveTopicCount(0.8))

	assert.True(t, p.RemoveTopic("jazz"))
	assert.False(t, p.RemoveTopic("jazz"))
	assert.Len(t, p.Topics, 1)
}

func TestHumanProfile_SetFact(t *testing.T) {
	h := &HumanProfile{}

	h.SetFact("hometown", "Lisbon", 0.6, baseTime)
	h.SetFact("hometown", "Porto", 0.9, baseTime.Add(time.Hour))
	h.SetFact("pet", "cat", 0.8, baseTime)

	require.Len(t, h.Facts, 2)
	assert.Equal(t, "Porto", h.Facts[0].Value)
	assert.InDelta(t, 0.9, h.Facts[0].Confidence, 1e-9)
	assert.Equal(t, baseTime.Add(time.Hour), h.Facts[0].UpdatedAt)
}
