// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/garrisonhq/garrison/internal/persist"
	"github.com/garrisonhq/garrison/pkg/errutil"
)

const (
	// DefaultReconnectBase is the initial delay between reconnect attempts
	// after the notification stream breaks.
	DefaultReconnectBase = time.Second

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 30 * time.Second

	// listenerBuffer bounds the invalidation channel so a stalled consumer
	// cannot wedge the notification loop.
	listenerBuffer = 16
)

// notifyConn is the subset of *pgx.Conn the listener uses. LISTEN requires a
// dedicated session, so the listener holds its own connection rather than
// borrowing from the pool.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener turns PostgreSQL notifications on NotifyChannel into
// persist.Invalidation values. It reconnects with exponential backoff when
// the session drops and closes the channel when the context ends.
type Listener struct {
	dsn       string
	logger    *slog.Logger
	retryBase time.Duration

	// connect is swapped out by tests to avoid a live database.
	connect func(ctx context.Context, dsn string) (notifyConn, error)
}

var _ persist.InvalidationSource = (*Listener)(nil)

// ListenerConfig carries the dependencies for NewListener.
type ListenerConfig struct {
	// DSN is the PostgreSQL connection string for the dedicated LISTEN
	// session. Required.
	DSN string

	// Logger receives reconnect and decode diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// RetryBase is the initial reconnect delay. Defaults to
	// DefaultReconnectBase.
	RetryBase time.Duration
}

// NewListener builds a Listener. It does not touch the network; the first
// connection happens in Subscribe.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultReconnectBase
	}
	return &Listener{
		dsn:       cfg.DSN,
		logger:    cfg.Logger,
		retryBase: cfg.RetryBase,
		connect: func(ctx context.Context, dsn string) (notifyConn, error) {
			return pgx.Connect(ctx, dsn)
		},
	}
}

// Subscribe opens the LISTEN session and starts the delivery loop. The
// returned channel closes when ctx ends.
func (l *Listener) Subscribe(ctx context.Context) (<-chan persist.Invalidation, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, oops.Code("LISTEN_FAILED").With("channel", NotifyChannel).Wrap(err)
	}
	ch := make(chan persist.Invalidation, listenerBuffer)
	go l.run(ctx, conn, ch)
	return ch, nil
}

// dial connects and issues LISTEN. The channel name is a compile-time
// constant; LISTEN takes an identifier and cannot be parameterized.
func (l *Listener) dial(ctx context.Context) (notifyConn, error) {
	conn, err := l.connect(ctx, l.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(ctx) //nolint:errcheck // listen error takes precedence
		return nil, err
	}
	return conn, nil
}

func (l *Listener) run(ctx context.Context, conn notifyConn, ch chan<- persist.Invalidation) {
	defer close(ch)
	defer func() {
		_ = conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutting down
	}()

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errutil.LogWarn(l.logger, "notification stream broken, reconnecting", err)
			_ = conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck // already broken
			conn, err = l.reconnect(ctx)
			if err != nil {
				return
			}
			continue
		}

		inv, err := parsePayload(note.Payload)
		if err != nil {
			l.logger.Warn("discarding malformed invalidation",
				"channel", note.Channel,
				"error", err)
			continue
		}

		select {
		case ch <- inv:
		default:
			l.logger.Warn("invalidation dropped, subscriber is slow",
				"record_id", inv.RecordID)
		}
	}
}

// reconnect retries the dial until it succeeds or ctx ends. Backoff is
// unbounded in attempts and capped in delay; a database outage should not
// kill the listener.
func (l *Listener) reconnect(ctx context.Context) (notifyConn, error) {
	var conn notifyConn
	backoff := retry.WithCappedDuration(maxReconnectDelay, retry.NewExponential(l.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := l.dial(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// parsePayload decodes a notification payload written by WriteSnapshot.
func parsePayload(payload string) (persist.Invalidation, error) {
	var inv persist.Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return persist.Invalidation{}, oops.Code("NOTIFY_DECODE_FAILED").Wrap(err)
	}
	if inv.RecordID == "" {
		return persist.Invalidation{}, oops.Code("NOTIFY_DECODE_FAILED").
			Errorf("notification payload missing record_id")
	}
	return inv, nil
}
