// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package bus implements the typed change-notification bus stores publish
// mutations on. Subscribers watch glob topic patterns; publication is
// fire-and-forget so a stuck subscriber can never block a store mutation.
package bus

import (
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Operation identifies the store mutation an event announces.
type Operation string

// Store mutation operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Field tags distinguishing special update events from content edits.
const (
	// FieldDerivedStats marks updates produced by stat rederivation.
	FieldDerivedStats = "derived_stats"
	// FieldHydrate marks updates republished after backend hydration.
	FieldHydrate = "hydrate"
)

// Event is one announced store mutation. Item and Previous are snapshots
// (clones); subscribers may retain them freely.
type Event struct {
	Operation      Operation
	Kind           string
	OrganizationID string
	Item           any
	Previous       any // snapshot before the mutation; nil on create
	Field          string
}

// Topic returns the routing topic for the event: "kind/organizationID".
func (e Event) Topic() string {
	return e.Kind + "/" + e.OrganizationID
}

// subscriberBuffer is the per-subscriber channel capacity. Publish drops
// events for subscribers whose buffer is full rather than blocking.
const subscriberBuffer = 100

type patternSubs struct {
	matcher glob.Glob
	chans   []chan Event
}

// Bus distributes change events to subscribers.
// It is safe for concurrent use by multiple goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*patternSubs
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]*patternSubs),
	}
}

// Subscribe creates a channel receiving every event whose topic matches the
// glob pattern. Topics have the form "kind/organizationID", with '/' as the
// pattern separator: "patrol/*" watches all patrols, "*/org-1" everything in
// one organization.
func (b *Bus) Subscribe(pattern string) (chan Event, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, oops.
			Code("INVALID_TOPIC_PATTERN").
			With("pattern", pattern).
			Wrap(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.subs[pattern]
	if !ok {
		ps = &patternSubs{matcher: g}
		b.subs[pattern] = ps
	}
	ch := make(chan Event, subscriberBuffer)
	ps.chans = append(ps.chans, ch)
	return ch, nil
}

// Unsubscribe removes a channel from a pattern and closes it.
func (b *Bus) Unsubscribe(pattern string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.subs[pattern]
	if !ok {
		return
	}
	for i, sub := range ps.chans {
		if sub == ch {
			ps.chans = append(ps.chans[:i], ps.chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(ps.chans) == 0 {
		delete(b.subs, pattern)
	}
}

// Publish sends an event to every subscriber whose pattern matches the
// event's topic. Publication never blocks: subscribers with full buffers
// miss the event and a warning is logged.
func (b *Bus) Publish(event Event) {
	topic := event.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ps := range b.subs {
		if !ps.matcher.Match(topic) {
			continue
		}
		for _, ch := range ps.chans {
			select {
			case ch <- event:
			default:
				slog.Warn("event dropped: subscriber buffer full",
					"topic", topic,
					"operation", event.Operation,
					"field", event.Field,
				)
			}
		}
	}
}
