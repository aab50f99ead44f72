// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package postgres keeps store snapshots in a PostgreSQL table and fans
// invalidations out to other processes over LISTEN/NOTIFY. Each snapshot row
// is keyed by owning group and entity kind, so one deployment can host many
// groups without their coordinators contending on the same row.
//
// The backend reports persist.ErrBackendUnavailable until the database
// answers pings and the snapshots table exists, which lets coordinators back
// off during startup races with the migrator.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/garrisonhq/garrison/internal/persist"
	"github.com/garrisonhq/garrison/pkg/errutil"
)

// NotifyChannel is the PostgreSQL notification channel that carries snapshot
// invalidations between processes.
const NotifyChannel = "garrison_snapshots_changed"

// Pool is the subset of *pgxpool.Pool the backend uses. pgxmock satisfies it,
// which keeps the unit tests off a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Backend locates snapshot handles in PostgreSQL.
type Backend struct {
	pool   Pool
	logger *slog.Logger
}

var (
	_ persist.Locator = (*Backend)(nil)
	_ persist.Handle  = (*handle)(nil)
)

// New connects a pool to the given DSN and wraps it in a Backend. The
// connection is lazy; readiness is probed per Locate call.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("BACKEND_CONNECT_FAILED").With("driver", "postgres").Wrap(err)
	}
	return NewWithPool(pool, logger), nil
}

// NewWithPool wraps an existing pool. Tests inject pgxmock through here.
func NewWithPool(pool Pool, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{pool: pool, logger: logger}
}

// Close releases the underlying pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// Locate probes the database and returns a snapshot handle once the schema is
// in place. Until then every failure maps to persist.ErrBackendUnavailable so
// callers treat it as retryable. The schema probe doubles as the liveness
// check; an unreachable database fails it the same way a missing table does.
func (b *Backend) Locate(ctx context.Context, _ persist.Criteria) (persist.Handle, error) {
	var ready bool
	err := b.pool.QueryRow(ctx, `SELECT to_regclass('garrison_snapshots') IS NOT NULL`).Scan(&ready)
	if err != nil {
		return nil, oops.Code("BACKEND_UNAVAILABLE").
			With("driver", "postgres").
			With("cause", err.Error()).
			Wrap(persist.ErrBackendUnavailable)
	}
	if !ready {
		return nil, oops.Code("BACKEND_UNAVAILABLE").
			With("driver", "postgres").
			With("cause", "snapshots table missing, run migrations").
			Wrap(persist.ErrBackendUnavailable)
	}

	return &handle{pool: b.pool, logger: b.logger}, nil
}

// handle reads and writes snapshot rows for one located backend.
type handle struct {
	pool   Pool
	logger *slog.Logger
}

// ReadSnapshot returns the stored payload for (namespace, key), or nil when
// no snapshot has been written yet.
func (h *handle) ReadSnapshot(ctx context.Context, namespace, key string) ([]byte, error) {
	var payload []byte
	err := h.pool.QueryRow(ctx,
		`SELECT payload FROM garrison_snapshots WHERE org_id = $1 AND kind = $2`,
		namespace, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if tableDropped(err) {
		return nil, oops.Code("BACKEND_UNAVAILABLE").
			With("org_id", namespace).
			With("kind", key).
			Wrap(persist.ErrBackendUnavailable)
	}
	if err != nil {
		return nil, oops.Code("SNAPSHOT_QUERY_FAILED").
			With("org_id", namespace).
			With("kind", key).
			Wrap(err)
	}
	return payload, nil
}

// WriteSnapshot upserts the payload and notifies listening processes. The
// notification is best effort: a failed notify leaves the row intact and
// peers converge on their next hydrate.
func (h *handle) WriteSnapshot(ctx context.Context, namespace, key string, data []byte) error {
	if _, err := h.pool.Exec(ctx,
		`INSERT INTO garrison_snapshots (org_id, kind, payload, rev, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (org_id, kind) DO UPDATE SET payload = $3, rev = $4, updated_at = now()`,
		namespace, key, data, contentRev(data)); err != nil {
		if tableDropped(err) {
			return oops.Code("BACKEND_UNAVAILABLE").
				With("org_id", namespace).
				With("kind", key).
				Wrap(persist.ErrBackendUnavailable)
		}
		return oops.Code("SNAPSHOT_UPSERT_FAILED").
			With("org_id", namespace).
			With("kind", key).
			Wrap(err)
	}

	note, err := json.Marshal(persist.Invalidation{RecordID: namespace, ChangedKeys: []string{key}})
	if err != nil {
		return oops.Code("NOTIFY_ENCODE_FAILED").Wrap(err)
	}
	if _, err := h.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(note)); err != nil {
		errutil.LogWarn(h.logger, "snapshot notify failed", err)
	}
	return nil
}

// tableDropped reports whether err is PostgreSQL's undefined-table error:
// the snapshots table vanished between the Locate probe and this statement,
// which is the same not-ready state as a missing table at startup.
func tableDropped(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}

// contentRev fingerprints a payload so external tooling can compare rows
// without decoding them.
func contentRev(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
