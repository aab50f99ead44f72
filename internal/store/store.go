// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package store implements the generic versioned entity store: one instance
// owns all records of one kind, validates mutations through the kind's
// descriptor, bumps versions, publishes change events, and asks the
// persistence coordinator for an eventual write after every mutation.
//
// All operations are synchronous against the in-memory state; persistence is
// asynchronous and decoupled. A store never blocks on the bus or on the
// scheduler.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/garrisonhq/garrison/internal/bus"
	"github.com/garrisonhq/garrison/internal/entity"
)

// Scheduler is the persistence hook stores call after every mutation. The
// coordinator implements it with its debounce timer; a nil scheduler is
// valid and turns persistence off (tests, throwaway stores).
type Scheduler interface {
	Schedule()
}

// Rev is the write-skip fingerprint of a store's contents: the maximum
// record version, record count, and the template set's count and newest ID.
// Two equal Revs are treated as "nothing changed" by the coordinator. The
// comparison is a heuristic, not a content diff: a delete+create pair that
// restores both the count and the maximum version inside one debounce window
// is not detected.
type Rev struct {
	MaxVersion    int64  `json:"max_version"`
	Count         int    `json:"count"`
	TemplateCount int    `json:"template_count"`
	NewestTplID   string `json:"newest_tpl_id,omitempty"`
}

// Config holds dependencies for a Store.
type Config[T entity.Record[T]] struct {
	// Descriptor supplies kind metadata, blank instances, and validation.
	// Required.
	Descriptor entity.Descriptor[T]
	// Bus receives change events. Optional.
	Bus *bus.Bus
	// Scheduler is poked after every mutation. Optional.
	Scheduler Scheduler
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now and NewID override time and ID generation in tests.
	Now   func() time.Time
	NewID func() string
}

// Store is a versioned in-memory collection of records of one kind.
// It is safe for concurrent use by multiple goroutines.
type Store[T entity.Record[T]] struct {
	desc   entity.Descriptor[T]
	bus    *bus.Bus
	logger *slog.Logger
	nowFn  func() time.Time
	idFn   func() string

	mu        sync.RWMutex
	records   map[string]T
	order     []string
	templates map[string]*entity.Template[T]
	tplOrder  []string
	scheduler Scheduler
}

// New creates a store for the descriptor's kind.
func New[T entity.Record[T]](cfg Config[T]) *Store[T] {
	if cfg.Descriptor == nil {
		panic("store: Config.Descriptor is required")
	}
	s := &Store[T]{
		desc:      cfg.Descriptor,
		bus:       cfg.Bus,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
		nowFn:     cfg.Now,
		idFn:      cfg.NewID,
		records:   make(map[string]T),
		templates: make(map[string]*entity.Template[T]),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	if s.idFn == nil {
		s.idFn = entity.NewID
	}
	return s
}

// Kind returns the kind metadata of the records this store owns.
func (s *Store[T]) Kind() entity.Kind {
	return s.desc.Kind()
}

// SetScheduler wires the persistence hook after construction. The
// coordinator needs the store to read snapshots from, so the two are built
// in sequence and connected here.
func (s *Store[T]) SetScheduler(sched Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = sched
}

// Create builds a record from the kind's defaults, applies the caller's
// mutations, and inserts it. The candidate is validated after the caller's
// fields are applied; an invalid candidate fails with *entity.ValidationError
// and leaves the store untouched. On success the record gets a fresh ID,
// version 1, and both timestamps set to now.
func (s *Store[T]) Create(ctx context.Context, mutate func(T)) (T, error) {
	return s.create(ctx, s.desc.New(), mutate)
}

func (s *Store[T]) create(_ context.Context, seed T, mutate func(T)) (T, error) {
	var zero T
	rec := seed
	if mutate != nil {
		mutate(rec)
	}

	if result := s.desc.Validate(rec); !result.Valid() {
		return zero, entity.NewValidationError(s.desc.Kind().ID, result)
	}

	s.mu.Lock()
	now := s.nowFn()
	meta := rec.Metadata()
	meta.ID = s.idFn()
	meta.Version = 1
	meta.CreatedAt = now
	meta.UpdatedAt = now

	s.records[meta.ID] = rec.Clone()
	s.order = append(s.order, meta.ID)
	s.mu.Unlock()

	s.publish(bus.Event{
		Operation:      bus.OpCreate,
		Kind:           s.desc.Kind().ID,
		OrganizationID: meta.OrganizationID,
		Item:           rec.Clone(),
	})
	s.schedule()
	return rec, nil
}

// Update applies mutate to a clone of the stored record, re-validates the
// merged result, and replaces the stored record with version+1 and a
// strictly increased UpdatedAt. A missing ID fails with entity.ErrNotFound
// and schedules nothing. A mutate error aborts with no state change.
func (s *Store[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	return s.UpdateTagged(ctx, id, "", mutate)
}

// UpdateTagged is Update with the event's Field tag set, so observers can
// tell a derived-stat refresh apart from a content edit.
func (s *Store[T]) UpdateTagged(_ context.Context, id, field string, mutate func(T) error) (T, error) {
	var zero T

	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return zero, s.notFound(id)
	}

	prev := cur.Clone()
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			s.mu.Unlock()
			return zero, err
		}
	}

	if result := s.desc.Validate(next); !result.Valid() {
		s.mu.Unlock()
		return zero, entity.NewValidationError(s.desc.Kind().ID, result)
	}

	// Identity is immutable regardless of what mutate touched.
	prevMeta := prev.Metadata()
	meta := next.Metadata()
	meta.ID = prevMeta.ID
	meta.CreatedAt = prevMeta.CreatedAt
	meta.Version = prevMeta.Version + 1

	now := s.nowFn()
	if !now.After(prevMeta.UpdatedAt) {
		// Wall clock has not advanced past the previous mutation; nudge
		// forward so UpdatedAt stays strictly increasing.
		now = prevMeta.UpdatedAt.Add(time.Nanosecond)
	}
	meta.UpdatedAt = now

	s.records[id] = next
	s.mu.Unlock()

	s.publish(bus.Event{
		Operation:      bus.OpUpdate,
		Kind:           s.desc.Kind().ID,
		OrganizationID: meta.OrganizationID,
		Item:           next.Clone(),
		Previous:       prev,
		Field:          field,
	})
	s.schedule()
	return next.Clone(), nil
}

// Delete removes a record. A missing ID fails with entity.ErrNotFound and
// schedules nothing. There are no tombstones: the ID is gone from every
// listing immediately.
func (s *Store[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return s.notFound(id)
	}

	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.publish(bus.Event{
		Operation:      bus.OpDelete,
		Kind:           s.desc.Kind().ID,
		OrganizationID: rec.Metadata().OrganizationID,
		Item:           rec.Clone(),
	})
	s.schedule()
	return nil
}

// Get returns a clone of the record, or false when the ID is unknown.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		var zero T
		return zero, false
	}
	return rec.Clone(), true
}

// List returns clones of all records in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// ListByOrganization returns clones of the organization's records in
// insertion order.
func (s *Store[T]) ListByOrganization(orgID string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, id := range s.order {
		if rec := s.records[id]; rec.Metadata().OrganizationID == orgID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Rev returns the current write-skip fingerprint.
func (s *Store[T]) Rev() Rev {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revLocked()
}

func (s *Store[T]) revLocked() Rev {
	rev := Rev{Count: len(s.records), TemplateCount: len(s.templates)}
	for _, rec := range s.records {
		if v := rec.Metadata().Version; v > rev.MaxVersion {
			rev.MaxVersion = v
		}
	}
	for id := range s.templates {
		// Template IDs are ULIDs; the lexical maximum is the newest.
		if id > rev.NewestTplID {
			rev.NewestTplID = id
		}
	}
	return rev
}

// RevOf computes the fingerprint of an already-captured snapshot, so a
// serialized payload can carry the rev of exactly the contents it holds.
func RevOf[T entity.Record[T]](records []T, templates []*entity.Template[T]) Rev {
	rev := Rev{Count: len(records), TemplateCount: len(templates)}
	for _, rec := range records {
		if v := rec.Metadata().Version; v > rev.MaxVersion {
			rev.MaxVersion = v
		}
	}
	for _, tpl := range templates {
		if tpl.ID > rev.NewestTplID {
			rev.NewestTplID = tpl.ID
		}
	}
	return rev
}

// Snapshot returns clones of all records and templates in insertion order,
// for serialization by the coordinator.
func (s *Store[T]) Snapshot() ([]T, []*entity.Template[T]) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]T, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.records[id].Clone())
	}
	templates := make([]*entity.Template[T], 0, len(s.tplOrder))
	for _, id := range s.tplOrder {
		templates = append(templates, s.templates[id].Clone())
	}
	return records, templates
}

// Hydrate replaces the store's contents with records loaded from the
// backend. Versions and timestamps arrive as serialized, so nothing is
// bumped and no write is scheduled; one update event tagged hydrate is
// published per record so observers refresh.
func (s *Store[T]) Hydrate(records []T, templates []*entity.Template[T]) {
	s.mu.Lock()
	s.records = make(map[string]T, len(records))
	s.order = make([]string, 0, len(records))
	for _, rec := range records {
		c := rec.Clone()
		id := c.Metadata().ID
		if _, dup := s.records[id]; dup {
			s.logger.Warn("hydrate: duplicate record ID dropped",
				"kind", s.desc.Kind().ID,
				"record_id", id,
			)
			continue
		}
		s.records[id] = c
		s.order = append(s.order, id)
	}
	s.templates = make(map[string]*entity.Template[T], len(templates))
	s.tplOrder = make([]string, 0, len(templates))
	for _, tpl := range templates {
		if _, dup := s.templates[tpl.ID]; dup {
			continue
		}
		s.templates[tpl.ID] = tpl.Clone()
		s.tplOrder = append(s.tplOrder, tpl.ID)
	}
	s.mu.Unlock()

	for _, rec := range records {
		s.publish(bus.Event{
			Operation:      bus.OpUpdate,
			Kind:           s.desc.Kind().ID,
			OrganizationID: rec.Metadata().OrganizationID,
			Item:           rec.Clone(),
			Field:          bus.FieldHydrate,
		})
	}
}

func (s *Store[T]) notFound(id string) error {
	return entity.NotFound(s.desc.Kind().ID, id)
}

func (s *Store[T]) publish(event bus.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func (s *Store[T]) schedule() {
	s.mu.RLock()
	sched := s.scheduler
	s.mu.RUnlock()
	if sched != nil {
		sched.Schedule()
	}
}
