// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package persist reconciles in-memory stores with an external snapshot
// backend. The coordinator debounces store mutations into coalesced writes,
// retries with exponential backoff while the backend is not yet locatable,
// skips writes whose fingerprint matches the last one, and rehydrates when
// another process changes the backend record. Store callers never block on
// any of it; persistence failures surface only as logged warnings.
package persist

import (
	"context"
	"errors"
)

// ErrBackendUnavailable reports that the backend record cannot be located
// yet. It is the only retryable persistence condition; any other error from
// a located handle is logged and abandoned for the cycle.
var ErrBackendUnavailable = errors.New("persistence backend unavailable")

// Criteria selects the backend record holding an owning group's snapshots.
type Criteria struct {
	// OrganizationID names the owning group whose record is wanted.
	OrganizationID string
	// Flag optionally narrows the lookup to records marked with it.
	Flag string
}

// Locator finds the backend record for a criteria. Implementations return
// an error wrapping ErrBackendUnavailable while the record does not exist
// or the backend is not ready.
type Locator interface {
	Locate(ctx context.Context, c Criteria) (Handle, error)
}

// Handle reads and writes snapshot payloads on one located backend record.
// Payloads are namespaced by owning group and keyed by kind, so stores of
// different kinds share a record without contending.
type Handle interface {
	// ReadSnapshot returns the payload stored under namespace/key, or
	// (nil, nil) when nothing has been written there yet.
	ReadSnapshot(ctx context.Context, namespace, key string) ([]byte, error)
	// WriteSnapshot replaces the payload stored under namespace/key.
	WriteSnapshot(ctx context.Context, namespace, key string, data []byte) error
}

// Invalidation reports an out-of-process change to a backend record.
type Invalidation struct {
	// RecordID identifies the changed backend record by owning group.
	RecordID string `json:"record_id"`
	// ChangedKeys lists the snapshot keys that changed. Empty means the
	// source could not tell, which coordinators treat as relevant.
	ChangedKeys []string `json:"changed_keys,omitempty"`
}

// InvalidationSource streams change notifications about backend records
// until the subscription context is done.
type InvalidationSource interface {
	Subscribe(ctx context.Context) (<-chan Invalidation, error)
}
