// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		base    Modifier
		org     Modifier
		effects []Modifier
		want    Modifier
	}{
		{
			name: "base only",
			base: Modifier{"robustismo": 10, "agility": 5},
			want: Modifier{"robustismo": 10, "agility": 5},
		},
		{
			name: "org modifier applied",
			base: Modifier{"robustismo": 10},
			org:  Modifier{"robustismo": 3},
			want: Modifier{"robustismo": 13},
		},
		{
			name:    "single effect",
			base:    Modifier{"robustismo": 10},
			effects: []Modifier{{"robustismo": 2}},
			want:    Modifier{"robustismo": 12},
		},
		{
			name:    "all sources stack",
			base:    Modifier{"robustismo": 10, "agility": 4},
			org:     Modifier{"robustismo": 1},
			effects: []Modifier{{"robustismo": 2}, {"robustismo": -5, "agility": 3}},
			want:    Modifier{"robustismo": 8, "agility": 7},
		},
		{
			name:    "modifier keys absent from base are ignored",
			base:    Modifier{"robustismo": 10},
			org:     Modifier{"stealth": 9},
			effects: []Modifier{{"luck": 4}},
			want:    Modifier{"robustismo": 10},
		},
		{
			name:    "negative totals allowed",
			base:    Modifier{"morale": 1},
			effects: []Modifier{{"morale": -5}},
			want:    Modifier{"morale": -4},
		},
		{
			name: "empty base yields empty derived",
			base: Modifier{},
			org:  Modifier{"robustismo": 3},
			want: Modifier{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.base, tt.org, tt.effects)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDerive_DoesNotMutateInputs(t *testing.T) {
	base := Modifier{"robustismo": 10}
	org := Modifier{"robustismo": 1}
	effect := Modifier{"robustismo": 2}

	got := Derive(base, org, []Modifier{effect})

	require.Equal(t, Modifier{"robustismo": 13}, got)
	assert.Equal(t, Modifier{"robustismo": 10}, base)
	assert.Equal(t, Modifier{"robustismo": 1}, org)
	assert.Equal(t, Modifier{"robustismo": 2}, effect)

	// The result is a fresh map.
	got["robustismo"] = 99
	assert.Equal(t, 10, base["robustismo"])
}

func TestSum(t *testing.T) {
	tests := []struct {
		name string
		mods []Modifier
		want Modifier
	}{
		{"no inputs", nil, Modifier{}},
		{"nil inputs", []Modifier{nil, nil}, Modifier{}},
		{"single map", []Modifier{{"a": 1}}, Modifier{"a": 1}},
		{"overlapping keys add", []Modifier{{"a": 1, "b": 2}, {"a": 3}}, Modifier{"a": 4, "b": 2}},
		{"negative values", []Modifier{{"a": 1}, {"a": -1}}, Modifier{"a": 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sum(tt.mods...))
		})
	}
}

func TestModifier_Clone(t *testing.T) {
	var nilMod Modifier
	assert.Nil(t, nilMod.Clone())

	m := Modifier{"a": 1}
	c := m.Clone()
	c["a"] = 2
	assert.Equal(t, 1, m["a"])
}
