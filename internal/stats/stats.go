// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package stats implements the additive stat-derivation algorithm: a
// record's derived attributes are its base attributes plus the per-key sum
// of every active modifier source. Addition is the only composition rule;
// multiplicative or capped modifiers are out of scope.
package stats

// Modifier is a partial stat map: stat key to signed delta. A nil Modifier
// contributes zero to every key.
type Modifier map[string]int

// Clone returns an independent copy of the modifier. Cloning nil yields nil.
func (m Modifier) Clone() Modifier {
	if m == nil {
		return nil
	}
	c := make(Modifier, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Derive computes derived stats from base stats, an organization-level
// modifier, and the modifiers of active effects:
//
//	derived[k] = base[k] + org[k] + sum(effects[i][k])
//
// Only keys present in base appear in the result; modifier entries for
// unknown keys are ignored. Inputs are never mutated.
func Derive(base, org Modifier, effects []Modifier) Modifier {
	derived := make(Modifier, len(base))
	for key, value := range base {
		total := value + org[key]
		for _, effect := range effects {
			total += effect[key]
		}
		derived[key] = total
	}
	return derived
}

// Sum merges partial modifier maps into one, adding values per key. Used to
// aggregate an organization's active modifier items into a single org-level
// contribution. Returns an empty map when every input is nil or empty.
func Sum(mods ...Modifier) Modifier {
	total := make(Modifier)
	for _, m := range mods {
		for k, v := range m {
			total[k] += v
		}
	}
	return total
}
