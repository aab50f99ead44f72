// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// ErrNotFound indicates an operation referenced an unknown record ID.
var ErrNotFound = errors.New("record not found")

// ErrTemplateNotFound indicates an instantiation referenced an unknown template ID.
var ErrTemplateNotFound = errors.New("template not found")

// NotFound wraps ErrNotFound with the kind and record ID for logging.
func NotFound(kind, id string) error {
	return oops.
		Code("RECORD_NOT_FOUND").
		With("kind", kind).
		With("record_id", id).
		Wrap(ErrNotFound)
}

// TemplateNotFound wraps ErrTemplateNotFound with the kind and template ID.
func TemplateNotFound(kind, id string) error {
	return oops.
		Code("TEMPLATE_NOT_FOUND").
		With("kind", kind).
		With("template_id", id).
		Wrap(ErrTemplateNotFound)
}

// ValidationError reports that a candidate record failed descriptor
// validation. It carries the full field/message list so callers can surface
// every problem at once.
type ValidationError struct {
	Kind   string
	Errors []FieldError
}

// NewValidationError wraps a failed ValidationResult in an error.
func NewValidationError(kind string, result ValidationResult) *ValidationError {
	return &ValidationError{Kind: kind, Errors: result.Errors}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: validation failed", e.Kind)
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Kind, strings.Join(msgs, "; "))
}

// Fields returns the names of the fields that failed validation.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		fields[i] = fe.Field
	}
	return fields
}
