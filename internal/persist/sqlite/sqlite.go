// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package sqlite keeps store snapshots in a single SQLite database file,
// suitable for single-host deployments that want durability without running
// a PostgreSQL server. Rows mirror the postgres backend's table shape, keyed
// by owning group and entity kind.
//
// SQLite has no cross-process notification channel, so invalidations come
// from a Poller that diffs row fingerprints on an interval.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/garrisonhq/garrison/internal/persist"
)

const schema = `CREATE TABLE IF NOT EXISTS garrison_snapshots (
	org_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	rev        TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (org_id, kind)
)`

// Backend locates snapshot handles in a SQLite database file.
type Backend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ persist.Locator = (*Backend)(nil)
	_ persist.Handle  = (*handle)(nil)
)

// Open opens or creates the snapshot database at path, creating parent
// directories as needed. The schema is ensured before Open returns. The
// path ":memory:" keeps everything in process, which tests use.
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, oops.Code("BACKEND_CONNECT_FAILED").
			With("driver", "sqlite").
			Errorf("database path is empty")
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, oops.Code("BACKEND_CONNECT_FAILED").
					With("driver", "sqlite").
					With("path", path).
					Wrap(err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.Code("BACKEND_CONNECT_FAILED").
			With("driver", "sqlite").
			With("path", path).
			Wrap(err)
	}
	if path == ":memory:" {
		// Every new connection would open its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close() //nolint:errcheck // schema error takes precedence
		return nil, oops.Code("BACKEND_CONNECT_FAILED").
			With("driver", "sqlite").
			With("path", path).
			Wrap(err)
	}

	return &Backend{db: db, path: path, logger: logger}, nil
}

// Close releases the underlying database.
func (b *Backend) Close() error {
	//nolint:wrapcheck // close error passes through unchanged
	return b.db.Close()
}

// Locate confirms the snapshots table is reachable and returns a handle.
// Failures map to persist.ErrBackendUnavailable so coordinators back off
// and retry instead of abandoning the flush.
func (b *Backend) Locate(ctx context.Context, _ persist.Criteria) (persist.Handle, error) {
	var ready bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'garrison_snapshots')`).
		Scan(&ready)
	if err != nil {
		return nil, oops.Code("BACKEND_UNAVAILABLE").
			With("driver", "sqlite").
			With("cause", err.Error()).
			Wrap(persist.ErrBackendUnavailable)
	}
	if !ready {
		return nil, oops.Code("BACKEND_UNAVAILABLE").
			With("driver", "sqlite").
			With("cause", "snapshots table missing").
			Wrap(persist.ErrBackendUnavailable)
	}

	return &handle{db: b.db}, nil
}

// handle reads and writes snapshot rows for one located backend.
type handle struct {
	db *sql.DB
}

// ReadSnapshot returns the stored payload for (namespace, key), or nil when
// no snapshot has been written yet.
func (h *handle) ReadSnapshot(ctx context.Context, namespace, key string) ([]byte, error) {
	var payload []byte
	err := h.db.QueryRowContext(ctx,
		`SELECT payload FROM garrison_snapshots WHERE org_id = ? AND kind = ?`,
		namespace, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("SNAPSHOT_QUERY_FAILED").
			With("org_id", namespace).
			With("kind", key).
			Wrap(err)
	}
	return payload, nil
}

// WriteSnapshot upserts the payload. The stored fingerprint is what the
// Poller diffs, so an identical rewrite never wakes other processes.
func (h *handle) WriteSnapshot(ctx context.Context, namespace, key string, data []byte) error {
	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO garrison_snapshots (org_id, kind, payload, rev, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, kind) DO UPDATE SET
		   payload = excluded.payload, rev = excluded.rev, updated_at = excluded.updated_at`,
		namespace, key, data, contentRev(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return oops.Code("SNAPSHOT_UPSERT_FAILED").
			With("org_id", namespace).
			With("kind", key).
			Wrap(err)
	}
	return nil
}

// contentRev fingerprints a payload so rows can be compared without
// decoding them.
func contentRev(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
