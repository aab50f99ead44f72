// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package warehouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrisonhq/garrison/internal/patrol"
	"github.com/garrisonhq/garrison/internal/stats"
	"github.com/garrisonhq/garrison/internal/store"
)

func newModifierStore(t *testing.T) *store.Store[*StatModifier] {
	t.Helper()
	return store.New(store.Config[*StatModifier]{Descriptor: StatModifierDescriptor{}})
}

func addModifier(t *testing.T, st *store.Store[*StatModifier], orgID, name string, mods stats.Modifier, active bool) *StatModifier {
	t.Helper()
	item, err := st.Create(context.Background(), func(m *StatModifier) {
		m.OrganizationID = orgID
		m.Name = name
		m.Modifiers = mods
		m.Active = active
	})
	require.NoError(t, err)
	return item
}

func TestOrgModifiers_SumsActiveItems(t *testing.T) {
	st := newModifierStore(t)
	addModifier(t, st, "org-1", "Fortified Walls", stats.Modifier{"robustismo": 2}, true)
	addModifier(t, st, "org-1", "War Drums", stats.Modifier{"robustismo": 1, "moral": 3}, true)

	got, err := NewOrgModifiers(st).ModifiersFor(context.Background(), "org-1")

	require.NoError(t, err)
	assert.Equal(t, stats.Modifier{"robustismo": 3, "moral": 3}, got)
}

func TestOrgModifiers_IgnoresInactiveItems(t *testing.T) {
	st := newModifierStore(t)
	addModifier(t, st, "org-1", "Fortified Walls", stats.Modifier{"robustismo": 2}, true)
	addModifier(t, st, "org-1", "Cursed Relic", stats.Modifier{"robustismo": -5}, false)

	got, err := NewOrgModifiers(st).ModifiersFor(context.Background(), "org-1")

	require.NoError(t, err)
	assert.Equal(t, stats.Modifier{"robustismo": 2}, got)
}

func TestOrgModifiers_ScopedToOrganization(t *testing.T) {
	st := newModifierStore(t)
	addModifier(t, st, "org-1", "Fortified Walls", stats.Modifier{"robustismo": 2}, true)
	addModifier(t, st, "org-2", "War Drums", stats.Modifier{"robustismo": 7}, true)

	got, err := NewOrgModifiers(st).ModifiersFor(context.Background(), "org-1")

	require.NoError(t, err)
	assert.Equal(t, stats.Modifier{"robustismo": 2}, got)
}

func TestOrgModifiers_EmptyOrganization(t *testing.T) {
	st := newModifierStore(t)

	got, err := NewOrgModifiers(st).ModifiersFor(context.Background(), "org-1")

	require.NoError(t, err)
	assert.Empty(t, got)
}

// Exercises the full derivation chain: a warehouse stat modifier flows into
// patrol derived stats through the adapter.
func TestOrgModifiers_FeedsPatrolDerivation(t *testing.T) {
	ctx := context.Background()
	modStore := newModifierStore(t)
	patrolStore := store.New(store.Config[*patrol.Patrol]{Descriptor: patrol.Descriptor{}})
	svc := patrol.NewService(patrol.ServiceConfig{
		Store:  patrolStore,
		Source: NewOrgModifiers(modStore),
	})

	p, err := svc.Create(ctx, "org-1", "Night Watch", stats.Modifier{"robustismo": 10})
	require.NoError(t, err)
	assert.Equal(t, 10, p.DerivedStats["robustismo"])

	item := addModifier(t, modStore, "org-1", "Fortified Walls", stats.Modifier{"robustismo": 2}, true)
	p, err = svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, p.DerivedStats["robustismo"])

	_, err = modStore.Update(ctx, item.ID, func(m *StatModifier) error {
		m.Active = false
		return nil
	})
	require.NoError(t, err)
	p, err = svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, p.DerivedStats["robustismo"])
}
