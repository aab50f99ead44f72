// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/garrisonhq/garrison/internal/persist"
	"github.com/garrisonhq/garrison/pkg/errutil"
)

const (
	// DefaultPollInterval is how often the poller rescans row fingerprints.
	DefaultPollInterval = time.Second

	// pollerBuffer bounds the invalidation channel so a stalled consumer
	// cannot wedge the polling loop.
	pollerBuffer = 16
)

// Poller turns snapshot row changes into persist.Invalidation values by
// diffing row fingerprints on an interval. It is how processes sharing a
// database file observe each other's writes.
type Poller struct {
	db       *sql.DB
	interval time.Duration
	logger   *slog.Logger
}

var _ persist.InvalidationSource = (*Poller)(nil)

// Poller returns an invalidation source backed by this database. A
// non-positive interval selects DefaultPollInterval.
func (b *Backend) Poller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{db: b.db, interval: interval, logger: b.logger}
}

// Subscribe starts the polling loop. The first scan primes the fingerprint
// table without emitting, so subscribers do not rehydrate state they already
// loaded. The returned channel closes when ctx ends.
func (p *Poller) Subscribe(ctx context.Context) (<-chan persist.Invalidation, error) {
	seen, err := p.fingerprints(ctx)
	if err != nil {
		return nil, oops.Code("POLL_FAILED").Wrap(err)
	}

	ch := make(chan persist.Invalidation, pollerBuffer)
	go p.run(ctx, seen, ch)
	return ch, nil
}

func (p *Poller) run(ctx context.Context, seen map[rowKey]string, ch chan<- persist.Invalidation) {
	defer close(ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := p.fingerprints(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errutil.LogWarn(p.logger, "snapshot poll failed", err)
			continue
		}

		for _, inv := range diff(seen, next) {
			select {
			case ch <- inv:
			default:
				p.logger.Warn("invalidation dropped, subscriber is slow",
					"record_id", inv.RecordID)
			}
		}
		seen = next
	}
}

// rowKey identifies one snapshot row.
type rowKey struct {
	org  string
	kind string
}

// fingerprints reads the rev column of every snapshot row.
func (p *Poller) fingerprints(ctx context.Context) (map[rowKey]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT org_id, kind, rev FROM garrison_snapshots`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[rowKey]string)
	for rows.Next() {
		var (
			k   rowKey
			rev string
		)
		if err := rows.Scan(&k.org, &k.kind, &rev); err != nil {
			return nil, err
		}
		out[k] = rev
	}
	return out, rows.Err()
}

// diff reports rows added or rewritten since the previous scan, grouped per
// owning group and sorted for deterministic delivery. Deleted rows are
// ignored; subscribers only converge forward.
func diff(prev, next map[rowKey]string) []persist.Invalidation {
	changed := make(map[string][]string)
	for k, rev := range next {
		if old, ok := prev[k]; !ok || old != rev {
			changed[k.org] = append(changed[k.org], k.kind)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	orgs := make([]string, 0, len(changed))
	for org := range changed {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	out := make([]persist.Invalidation, 0, len(orgs))
	for _, org := range orgs {
		keys := changed[org]
		sort.Strings(keys)
		out = append(out, persist.Invalidation{RecordID: org, ChangedKeys: keys})
	}
	return out
}
