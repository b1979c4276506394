// Package persona holds the companion entities that pipeline and ceremony
// handlers mutate: personas with traits and weighted topics, and the single
// human profile shared by all of them.
package persona

import (
	"sort"
	"time"
)

// Topic is one subject a persona tracks, weighted by how present it has been
// in recent conversation. Weights decay during the nightly ceremony and
// topics whose weight falls below the expiry floor are removed.
type Topic struct {
	Name     string    `json:"name"`
	Weight   float64   `json:"weight"`
	LastSeen time.Time `json:"last_seen"`
}

// Persona is one companion character.
type Persona struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Traits         []string  `json:"traits,omitempty"`
	Topics         []Topic   `json:"topics,omitempty"`
	Paused         bool      `json:"paused,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
	Reviewer       bool      `json:"reviewer,omitempty"` // designated to review cross-persona changes
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Topic returns the named topic and whether it exists.
func (p *Persona) Topic(name string) (*Topic, bool) {
	for i := range p.Topics {
		if p.Topics[i].Name == name {
			return &p.Topics[i], true
		}
	}
	return nil, false
}

// UpsertTopic adds or updates a topic by name.
func (p *Persona) UpsertTopic(name string, weight float64, seen time.Time) {
	if t, ok := p.Topic(name); ok {
		t.Weight = weight
		if seen.After(t.LastSeen) {
			t.LastSeen = seen
		}
		return
	}
	p.Topics = append(p.Topics, Topic{Name: name, Weight: weight, LastSeen: seen})
}

// RemoveTopic deletes a topic by name. Returns true if it was present.
func (p *Persona) RemoveTopic(name string) bool {
	for i := range p.Topics {
		if p.Topics[i].Name == name {
			p.Topics = append(p.Topics[:i], p.Topics[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveTopicCount returns the number of topics at or above the given weight.
func (p *Persona) ActiveTopicCount(minWeight float64) int {
	n := 0
	for _, t := range p.Topics {
		if t.Weight >= minWeight {
			n++
		}
	}
	return n
}

// ProfileFact is one learned fact about the human.
type ProfileFact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HumanProfile is the single shared profile of the human the personas talk to.
type HumanProfile struct {
	Name  string        `json:"name"`
	Facts []ProfileFact `json:"facts,omitempty"`
}

// SetFact adds or replaces a fact by key.
func (h *HumanProfile) SetFact(key, value string, confidence float64, now time.Time) {
	for i := range h.Facts {
		if h.Facts[i].Key == key {
			h.Facts[i].Value = value
			h.Facts[i].Confidence = confidence
			h.Facts[i].UpdatedAt = now
			return
		}
	}
	h.Facts = append(h.Facts, ProfileFact{Key: key, Value: value, Confidence: confidence, UpdatedAt: now})
}

// sortPersonas orders personas by creation time, then ID for stability.
func sortPersonas(list []*Persona) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
