// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package warehouse

import (
	"context"

	"github.com/garrisonhq/garrison/internal/patrol"
	"github.com/garrisonhq/garrison/internal/stats"
	"github.com/garrisonhq/garrison/internal/store"
)

// OrgModifiers aggregates an organization's active stat modifier items into
// one modifier map. It is the organization input of stat derivation.
type OrgModifiers struct {
	store *store.Store[*StatModifier]
}

var _ patrol.ModifierSource = (*OrgModifiers)(nil)

// NewOrgModifiers wraps a stat modifier store.
func NewOrgModifiers(st *store.Store[*StatModifier]) *OrgModifiers {
	return &OrgModifiers{store: st}
}

// ModifiersFor sums the modifiers of the organization's active stat
// modifier items. Inactive items contribute nothing.
func (o *OrgModifiers) ModifiersFor(_ context.Context, orgID string) (stats.Modifier, error) {
	items := o.store.ListByOrganization(orgID)
	mods := make([]stats.Modifier, 0, len(items))
	for _, item := range items {
		if item.Active {
			mods = append(mods, item.Modifiers)
		}
	}
	return stats.Sum(mods...), nil
}
