// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package entity

import "time"

// Template is a named, reusable snapshot of a record's non-identity fields,
// used to stamp out new records with pre-filled data. A template never
// carries the source record's ID, organization, version, or timestamps;
// instantiating one always produces a fresh record with version 1.
type Template[T Record[T]] struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`
	Data        T         `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the template.
func (t *Template[T]) Clone() *Template[T] {
	c := *t
	c.Data = t.Data.Clone()
	return &c
}

// StripIdentity returns a clone of src with every identity and ownership
// field zeroed. The record's content fields, including its name, survive as
// template data.
func StripIdentity[T Record[T]](src T) T {
	c := src.Clone()
	m := c.Metadata()
	m.ID = ""
	m.OrganizationID = ""
	m.Version = 0
	m.CreatedAt = time.Time{}
	m.UpdatedAt = time.Time{}
	return c
}
