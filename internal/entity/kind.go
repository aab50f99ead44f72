// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package entity

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Kind is the category metadata of one record kind.
type Kind struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Plural string `json:"plural"`
}

// Descriptor describes one pluggable record kind: how to construct a blank
// instance with the kind's defaults and how to validate a full candidate.
// The store is generic over this contract and never hard-codes field names.
//
// Descriptors are plain injected values, not ambient singletons; stores with
// different descriptors coexist in one process.
type Descriptor[T Record[T]] interface {
	Kind() Kind
	New() T
	Validate(T) ValidationResult
}

// ErrInvalidKind indicates the kind ID is empty or invalid.
var ErrInvalidKind = errors.New("kind ID cannot be empty")

// ErrDuplicateKind indicates a kind is already registered.
var ErrDuplicateKind = errors.New("kind already registered")

// Registry enumerates the record kinds known to a process. It holds category
// metadata only; the typed descriptors live with their stores.
// It is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds a kind to the registry.
// Returns ErrInvalidKind for empty kind IDs and ErrDuplicateKind on duplicates.
func (r *Registry) Register(k Kind) error {
	id := strings.TrimSpace(k.ID)
	if id == "" {
		return ErrInvalidKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[id]; exists {
		return ErrDuplicateKind
	}
	if r.kinds == nil {
		r.kinds = make(map[string]Kind)
	}
	r.kinds[id] = k
	return nil
}

// MustRegister adds a kind to the registry, panicking on error.
// This is intended for package initialization only.
func (r *Registry) MustRegister(k Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Lookup returns the kind metadata for the given ID.
func (r *Registry) Lookup(id string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[id]
	return k, ok
}

// Kinds returns the registered kinds sorted by ID.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.kinds))
	for id := range r.kinds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	kinds := make([]Kind, 0, len(ids))
	for _, id := range ids {
		kinds = append(kinds, r.kinds[id])
	}
	return kinds
}
