// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package persist

import (
	"time"

	"github.com/garrisonhq/garrison/internal/entity"
)

// Envelope exposes the snapshot payload type to external tests.
type Envelope[T entity.Record[T]] = envelope[T]

// Debounce exposes the coordinator's quiet window to external tests.
func (c *Coordinator[T]) Debounce() time.Duration {
	return c.debounce
}
