// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package patrol implements organizational units with derived stats: a
// patrol carries base stats, an ordered set of active effects, personnel,
// and a last-issued order. Derived stats are recomputed from base stats,
// the organization's modifiers, and effect modifiers whenever any of those
// inputs change; they are never edited directly.
package patrol

import (
	"fmt"
	"slices"
	"time"

	"github.com/garrisonhq/garrison/internal/entity"
	"github.com/garrisonhq/garrison/internal/stats"
)

// KindID is the patrol kind's registry ID.
const KindID = "patrol"

// Member is one person assigned to a patrol.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Order is the last order issued to a patrol.
type Order struct {
	Text     string    `json:"text"`
	IssuedAt time.Time `json:"issued_at"`
}

// Effect is one active effect instance attached to a patrol. Effects are
// owned by exactly one patrol; adding or removing one is a patrol mutation,
// not a standalone lifecycle.
type Effect struct {
	ID        string         `json:"id"`
	Modifiers stats.Modifier `json:"modifiers"`
}

// Clone returns an independent copy of the effect.
func (e Effect) Clone() Effect {
	return Effect{ID: e.ID, Modifiers: e.Modifiers.Clone()}
}

// Patrol is an organizational unit with derived stats.
type Patrol struct {
	entity.Meta
	BaseStats    stats.Modifier `json:"base_stats"`
	DerivedStats stats.Modifier `json:"derived_stats"`
	Effects      []Effect       `json:"effects"`
	Officer      *Member        `json:"officer,omitempty"`
	Soldiers     []Member       `json:"soldiers"`
	LastOrder    *Order         `json:"last_order,omitempty"`
}

// Clone returns a deep copy of the patrol.
func (p *Patrol) Clone() *Patrol {
	c := *p
	c.BaseStats = p.BaseStats.Clone()
	c.DerivedStats = p.DerivedStats.Clone()
	if p.Effects != nil {
		c.Effects = make([]Effect, len(p.Effects))
		for i, e := range p.Effects {
			c.Effects[i] = e.Clone()
		}
	}
	if p.Officer != nil {
		officer := *p.Officer
		c.Officer = &officer
	}
	c.Soldiers = slices.Clone(p.Soldiers)
	if p.LastOrder != nil {
		order := *p.LastOrder
		c.LastOrder = &order
	}
	return &c
}

// EffectModifiers returns the modifier maps of the patrol's effects, in
// effect order, for derivation.
func (p *Patrol) EffectModifiers() []stats.Modifier {
	mods := make([]stats.Modifier, len(p.Effects))
	for i, e := range p.Effects {
		mods[i] = e.Modifiers
	}
	return mods
}

// rederive recomputes DerivedStats from the current base stats, the given
// organization modifiers, and the patrol's effects.
func (p *Patrol) rederive(org stats.Modifier) {
	p.DerivedStats = stats.Derive(p.BaseStats, org, p.EffectModifiers())
}

// effectIndex returns the position of the effect with the given ID, or -1.
func (p *Patrol) effectIndex(effectID string) int {
	for i, e := range p.Effects {
		if e.ID == effectID {
			return i
		}
	}
	return -1
}

// Descriptor is the patrol kind's registry entry.
type Descriptor struct{}

var _ entity.Descriptor[*Patrol] = Descriptor{}

// Kind returns the patrol kind metadata.
func (Descriptor) Kind() entity.Kind {
	return entity.Kind{ID: KindID, Label: "Patrol", Plural: "Patrols"}
}

// New returns a blank patrol with empty stat maps and personnel lists.
func (Descriptor) New() *Patrol {
	return &Patrol{
		BaseStats:    stats.Modifier{},
		DerivedStats: stats.Modifier{},
		Effects:      []Effect{},
		Soldiers:     []Member{},
	}
}

// Validate checks a full patrol candidate.
func (Descriptor) Validate(p *Patrol) entity.ValidationResult {
	var result entity.ValidationResult
	result.Collect(entity.CheckName(p.Name))
	result.Collect(entity.CheckStatKeys("base_stats", p.BaseStats))
	result.Collect(entity.CheckStatKeys("derived_stats", p.DerivedStats))

	seen := make(map[string]bool, len(p.Effects))
	for i, e := range p.Effects {
		if e.ID == "" {
			result.Add("effects", fmt.Sprintf("effect %d has an empty ID", i))
			continue
		}
		if seen[e.ID] {
			result.Add("effects", fmt.Sprintf("duplicate effect ID %q", e.ID))
		}
		seen[e.ID] = true
		result.Collect(entity.CheckStatKeys(fmt.Sprintf("effects[%d].modifiers", i), e.Modifiers))
	}

	if p.Officer != nil && p.Officer.Name == "" {
		result.Add("officer", "name cannot be empty")
	}
	for i, m := range p.Soldiers {
		if m.Name == "" {
			result.Add("soldiers", fmt.Sprintf("soldier %d has an empty name", i))
		}
	}
	if p.LastOrder != nil {
		result.Collect(entity.CheckText("last_order.text", p.LastOrder.Text))
	}
	return result
}
