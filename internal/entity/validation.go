// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package entity

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Validation limits for record fields.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 4000
	MaxStatKeys          = 50
	MaxStatKeyLength     = 50
)

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult collects field-level validation failures. It is returned
// as data, never thrown: descriptors report what is wrong and the store
// decides whether to proceed.
type ValidationResult struct {
	Errors []FieldError `json:"errors"`
}

// Valid reports whether the candidate passed validation.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add records a field-level failure.
func (r *ValidationResult) Add(field, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

// Collect appends err if non-nil. It lets descriptors chain the Check
// helpers without nil tests at every call site.
func (r *ValidationResult) Collect(err *FieldError) {
	if err != nil {
		r.Errors = append(r.Errors, *err)
	}
}

// CheckName checks that a record name is valid.
// Names must be non-empty, valid UTF-8, no control characters, and within length limit.
func CheckName(name string) *FieldError {
	if name == "" {
		return &FieldError{Field: "name", Message: "cannot be empty"}
	}
	if !utf8.ValidString(name) {
		return &FieldError{Field: "name", Message: "must be valid UTF-8"}
	}
	if len(name) > MaxNameLength {
		return &FieldError{Field: "name", Message: fmt.Sprintf("exceeds maximum length of %d", MaxNameLength)}
	}
	if hasControlChars(name) {
		return &FieldError{Field: "name", Message: "cannot contain control characters"}
	}
	return nil
}

// CheckText checks a free-form text field such as a description or note.
// Text may be empty, must be valid UTF-8, no control characters (except
// newline/tab), and within length limit.
func CheckText(field, text string) *FieldError {
	if text == "" {
		return nil
	}
	if !utf8.ValidString(text) {
		return &FieldError{Field: field, Message: "must be valid UTF-8"}
	}
	if len(text) > MaxDescriptionLength {
		return &FieldError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d", MaxDescriptionLength)}
	}
	if hasControlCharsExceptWhitespace(text) {
		return &FieldError{Field: field, Message: "cannot contain control characters (except newline/tab)"}
	}
	return nil
}

// CheckStatKeys checks that every key of a stat map is a well-formed
// identifier and that the map stays within size limits.
func CheckStatKeys(field string, stats map[string]int) *FieldError {
	if stats == nil {
		return nil
	}
	if len(stats) > MaxStatKeys {
		return &FieldError{Field: field, Message: fmt.Sprintf("exceeds maximum key count of %d", MaxStatKeys)}
	}
	for key := range stats {
		if key == "" {
			return &FieldError{Field: field, Message: "stat key cannot be empty"}
		}
		if len(key) > MaxStatKeyLength {
			return &FieldError{Field: field, Message: fmt.Sprintf("stat key %q exceeds maximum length of %d", key, MaxStatKeyLength)}
		}
		if !isValidIdentifier(key) {
			return &FieldError{Field: field, Message: fmt.Sprintf("stat key %q is not a valid identifier", key)}
		}
	}
	return nil
}

// hasControlChars returns true if the string contains control characters.
func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// hasControlCharsExceptWhitespace returns true if the string contains control
// characters other than newline, carriage return, and tab.
func hasControlCharsExceptWhitespace(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// isValidIdentifier returns true if s is a valid identifier (letters, digits,
// and underscores, starting with a letter or underscore).
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return false
			}
		} else {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				return false
			}
		}
	}
	return true
}
