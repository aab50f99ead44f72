// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package warehouse defines the item kinds an organization stockpiles:
// resources, reputation entries, stat modifiers, and contacts. Each kind is
// a thin record over the shared Item core with its own descriptor; stat
// modifier items additionally feed organization-wide stat derivation.
package warehouse

import (
	"github.com/garrisonhq/garrison/internal/entity"
	"github.com/garrisonhq/garrison/internal/stats"
)

// Registry IDs of the warehouse kinds.
const (
	KindResource     = "resource"
	KindReputation   = "reputation"
	KindStatModifier = "stat_modifier"
	KindContact      = "contact"
)

// Item is the common core of every warehouse record.
type Item struct {
	entity.Meta
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

func validateItem(item *Item) entity.ValidationResult {
	var result entity.ValidationResult
	result.Collect(entity.CheckName(item.Name))
	result.Collect(entity.CheckText("description", item.Description))
	result.Collect(entity.CheckText("image", item.Image))
	return result
}

// Resource is a countable stockpile entry.
type Resource struct {
	Item
	Quantity int `json:"quantity"`
}

// Clone returns an independent copy.
func (r *Resource) Clone() *Resource {
	c := *r
	return &c
}

// ResourceDescriptor registers the resource kind.
type ResourceDescriptor struct{}

var _ entity.Descriptor[*Resource] = ResourceDescriptor{}

func (ResourceDescriptor) Kind() entity.Kind {
	return entity.Kind{ID: KindResource, Label: "Resource", Plural: "Resources"}
}

func (ResourceDescriptor) New() *Resource { return &Resource{} }

func (ResourceDescriptor) Validate(r *Resource) entity.ValidationResult {
	result := validateItem(&r.Item)
	if r.Quantity < 0 {
		result.Add("quantity", "cannot be negative")
	}
	return result
}

// Reputation records an organization's standing with a faction.
type Reputation struct {
	Item
	Standing int    `json:"standing"`
	Faction  string `json:"faction"`
}

// Clone returns an independent copy.
func (r *Reputation) Clone() *Reputation {
	c := *r
	return &c
}

// ReputationDescriptor registers the reputation kind.
type ReputationDescriptor struct{}

var _ entity.Descriptor[*Reputation] = ReputationDescriptor{}

func (ReputationDescriptor) Kind() entity.Kind {
	return entity.Kind{ID: KindReputation, Label: "Reputation", Plural: "Reputations"}
}

func (ReputationDescriptor) New() *Reputation { return &Reputation{} }

func (ReputationDescriptor) Validate(r *Reputation) entity.ValidationResult {
	result := validateItem(&r.Item)
	if r.Faction == "" {
		result.Add("faction", "cannot be empty")
	}
	return result
}

// StatModifier is a warehouse item that, while active, contributes its
// modifiers to every stat derivation in its organization.
type StatModifier struct {
	Item
	Modifiers stats.Modifier `json:"modifiers"`
	Active    bool           `json:"active"`
}

// Clone returns a deep copy.
func (m *StatModifier) Clone() *StatModifier {
	c := *m
	c.Modifiers = m.Modifiers.Clone()
	return &c
}

// StatModifierDescriptor registers the stat modifier kind.
type StatModifierDescriptor struct{}

var _ entity.Descriptor[*StatModifier] = StatModifierDescriptor{}

func (StatModifierDescriptor) Kind() entity.Kind {
	return entity.Kind{ID: KindStatModifier, Label: "Stat Modifier", Plural: "Stat Modifiers"}
}

func (StatModifierDescriptor) New() *StatModifier {
	return &StatModifier{Modifiers: stats.Modifier{}}
}

func (StatModifierDescriptor) Validate(m *StatModifier) entity.ValidationResult {
	result := validateItem(&m.Item)
	result.Collect(entity.CheckStatKeys("modifiers", m.Modifiers))
	return result
}

// Contact is a named connection an organization maintains.
type Contact struct {
	Item
	Role  string `json:"role,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Clone returns an independent copy.
func (c *Contact) Clone() *Contact {
	cc := *c
	return &cc
}

// ContactDescriptor registers the contact kind.
type ContactDescriptor struct{}

var _ entity.Descriptor[*Contact] = ContactDescriptor{}

func (ContactDescriptor) Kind() entity.Kind {
	return entity.Kind{ID: KindContact, Label: "Contact", Plural: "Contacts"}
}

func (ContactDescriptor) New() *Contact { return &Contact{} }

func (ContactDescriptor) Validate(c *Contact) entity.ValidationResult {
	result := validateItem(&c.Item)
	result.Collect(entity.CheckText("role", c.Role))
	result.Collect(entity.CheckText("notes", c.Notes))
	return result
}
