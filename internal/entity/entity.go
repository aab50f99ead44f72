// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package entity defines the identity model shared by every managed record:
// the Meta block (id, name, organization, version, timestamps), the Record
// capability interface the generic store operates on, and the descriptor
// contract that lets heterogeneous record kinds share one CRUD engine.
package entity

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Meta is the identity block embedded in every managed record.
//
// Version starts at 1 and increases by exactly 1 per successful update; two
// different contents never share a version. UpdatedAt is refreshed on every
// mutation, including derived-stat recomputation, and strictly increases
// across successive updates of one record.
type Meta struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Metadata returns the record's identity block. Records embed Meta and gain
// this method by promotion, which is how they satisfy Record.
func (m *Meta) Metadata() *Meta {
	return m
}

// Record is the capability set the store requires from a managed record.
// Clone must be a deep copy; the store only hands out and keeps clones so
// callers can never alias store-internal state.
type Record[T any] interface {
	Metadata() *Meta
	Clone() T
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new opaque record ID (a ULID string).
func NewID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
