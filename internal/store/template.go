// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package store

import (
	"context"

	"github.com/garrisonhq/garrison/internal/entity"
)

// CreateTemplate snapshots a record's non-identity fields under a new
// template. The source record does not have to live in the store; only its
// content is read. The template name is validated like a record name.
func (s *Store[T]) CreateTemplate(_ context.Context, name, description string, src T) (*entity.Template[T], error) {
	var result entity.ValidationResult
	result.Collect(entity.CheckName(name))
	result.Collect(entity.CheckText("description", description))
	if !result.Valid() {
		return nil, entity.NewValidationError(s.desc.Kind().ID, result)
	}

	s.mu.Lock()
	tpl := &entity.Template[T]{
		ID:          s.idFn(),
		Name:        name,
		Description: description,
		Kind:        s.desc.Kind().ID,
		Data:        entity.StripIdentity(src),
		CreatedAt:   s.nowFn(),
	}
	s.templates[tpl.ID] = tpl
	s.tplOrder = append(s.tplOrder, tpl.ID)
	out := tpl.Clone()
	s.mu.Unlock()

	s.schedule()
	return out, nil
}

// InstantiateTemplate stamps out a new record from a template's data: the
// full create path runs, so the result has a fresh ID, version 1, and new
// timestamps, with mutate applied on top of the template's fields.
func (s *Store[T]) InstantiateTemplate(ctx context.Context, templateID, orgID string, mutate func(T)) (T, error) {
	var zero T

	s.mu.RLock()
	tpl, ok := s.templates[templateID]
	if !ok {
		s.mu.RUnlock()
		return zero, s.templateNotFound(templateID)
	}
	seed := tpl.Data.Clone()
	s.mu.RUnlock()

	seed.Metadata().OrganizationID = orgID
	return s.create(ctx, seed, mutate)
}

// Templates returns clones of all templates in creation order.
func (s *Store[T]) Templates() []*entity.Template[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Template[T], 0, len(s.tplOrder))
	for _, id := range s.tplOrder {
		out = append(out, s.templates[id].Clone())
	}
	return out
}

// GetTemplate returns a clone of the template, or false when unknown.
func (s *Store[T]) GetTemplate(id string) (*entity.Template[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, false
	}
	return tpl.Clone(), true
}

// DeleteTemplate removes a template. Records already stamped from it are
// unaffected.
func (s *Store[T]) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.templates[id]
	if !ok {
		s.mu.Unlock()
		return s.templateNotFound(id)
	}
	delete(s.templates, id)
	for i, tid := range s.tplOrder {
		if tid == id {
			s.tplOrder = append(s.tplOrder[:i], s.tplOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.schedule()
	return nil
}

func (s *Store[T]) templateNotFound(id string) error {
	return entity.TemplateNotFound(s.desc.Kind().ID, id)
}
