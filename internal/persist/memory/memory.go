// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package memory implements the persistence backend contract in process
// memory. It is the default runtime backend and the workhorse of the
// persistence tests: availability can be toggled to exercise backoff and
// invalidations can be injected by hand.
package memory

import (
	"context"
	"sync"

	"github.com/garrisonhq/garrison/internal/persist"
)

const subscriberBuffer = 16

// Backend holds snapshot payloads keyed by namespace and key. It implements
// persist.Locator, persist.Handle, and persist.InvalidationSource.
type Backend struct {
	mu        sync.RWMutex
	available bool
	snapshots map[string]map[string][]byte
	writes    int
	subs      []chan persist.Invalidation
}

var (
	_ persist.Locator            = (*Backend)(nil)
	_ persist.Handle             = (*Backend)(nil)
	_ persist.InvalidationSource = (*Backend)(nil)
)

// NewBackend returns an available, empty backend.
func NewBackend() *Backend {
	return &Backend{
		available: true,
		snapshots: make(map[string]map[string][]byte),
	}
}

// SetAvailable toggles whether Locate succeeds. Tests flip it to simulate a
// backend that is not ready yet.
func (b *Backend) SetAvailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = v
}

// Locate returns the backend itself as the handle for any criteria, or
// ErrBackendUnavailable while unavailable.
func (b *Backend) Locate(_ context.Context, _ persist.Criteria) (persist.Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.available {
		return nil, persist.ErrBackendUnavailable
	}
	return b, nil
}

// ReadSnapshot returns a copy of the stored payload, or (nil, nil) when
// nothing has been written under namespace/key.
func (b *Backend) ReadSnapshot(_ context.Context, namespace, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.available {
		return nil, persist.ErrBackendUnavailable
	}
	data, ok := b.snapshots[namespace][key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteSnapshot stores a copy of the payload under namespace/key.
func (b *Backend) WriteSnapshot(_ context.Context, namespace, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return persist.ErrBackendUnavailable
	}
	if b.snapshots[namespace] == nil {
		b.snapshots[namespace] = make(map[string][]byte)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.snapshots[namespace][key] = stored
	b.writes++
	return nil
}

// Subscribe registers an invalidation channel. The channel is buffered and
// never closed; consumers stop via their own context.
func (b *Backend) Subscribe(_ context.Context) (<-chan persist.Invalidation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan persist.Invalidation, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch, nil
}

// Notify fans an invalidation out to every subscriber without blocking.
// Tests use it to simulate out-of-process writes.
func (b *Backend) Notify(inv persist.Invalidation) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- inv:
		default:
		}
	}
}

// Writes reports how many WriteSnapshot calls succeeded.
func (b *Backend) Writes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes
}

// Payload returns the stored bytes for namespace/key without copying, for
// test assertions only.
func (b *Backend) Payload(namespace, key string) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshots[namespace][key]
}
