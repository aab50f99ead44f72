// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/garrisonhq/garrison/internal/entity"
	"github.com/garrisonhq/garrison/internal/store"
	"github.com/garrisonhq/garrison/pkg/errutil"
)

// Defaults applied by NewCoordinator when Config leaves them zero.
const (
	DefaultDebounce   = 300 * time.Millisecond
	DefaultRetryBase  = 200 * time.Millisecond
	DefaultMaxRetries = 5
)

// envelope is the serialized snapshot payload: everything a store holds,
// plus the fingerprint of exactly that content.
type envelope[T entity.Record[T]] struct {
	Records   []T                   `json:"records"`
	Templates []*entity.Template[T] `json:"templates"`
	Rev       store.Rev             `json:"rev"`
}

// Config carries the dependencies for NewCoordinator.
type Config[T entity.Record[T]] struct {
	// Store is the store this coordinator persists. Required. The
	// coordinator installs itself as the store's scheduler.
	Store *store.Store[T]
	// Backend locates the snapshot record. Required.
	Backend Locator
	// Source streams external invalidations. Optional; without one, Run
	// returns immediately and rehydration never triggers.
	Source InvalidationSource
	// Criteria selects the owning group's backend record. Its
	// OrganizationID is also the snapshot namespace.
	Criteria Criteria
	// Sanitize repairs known-fragile fields during hydration, returning
	// the reset field paths. Optional.
	Sanitize func(T) []string
	// Metrics counts persistence activity. Optional.
	Metrics *Metrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Debounce is the quiet window before a flush. Zero means
	// DefaultDebounce.
	Debounce time.Duration
	// RetryBase and MaxRetries shape the locate backoff. Zero means
	// DefaultRetryBase / DefaultMaxRetries.
	RetryBase  time.Duration
	MaxRetries uint64
}

// Coordinator keeps one store's contents reconciled with the backend. It
// coalesces mutation bursts into single writes, retries while the backend
// is not yet locatable, skips writes whose fingerprint already landed, and
// rehydrates on external invalidations that are not its own write echoing
// back.
type Coordinator[T entity.Record[T]] struct {
	store      *store.Store[T]
	backend    Locator
	source     InvalidationSource
	criteria   Criteria
	sanitize   func(T) []string
	metrics    *Metrics
	logger     *slog.Logger
	debounce   time.Duration
	retryBase  time.Duration
	maxRetries uint64
	kind       string

	mu            sync.Mutex
	timer         *time.Timer
	cancel        context.CancelFunc
	lastRev       store.Rev
	haveRev       bool
	dirty         bool
	everScheduled bool
	closed        bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoordinator builds a coordinator and installs it as the store's
// scheduler.
func NewCoordinator[T entity.Record[T]](cfg Config[T]) *Coordinator[T] {
	if cfg.Store == nil {
		panic("persist: Config.Store is required")
	}
	if cfg.Backend == nil {
		panic("persist: Config.Backend is required")
	}
	c := &Coordinator[T]{
		store:      cfg.Store,
		backend:    cfg.Backend,
		source:     cfg.Source,
		criteria:   cfg.Criteria,
		sanitize:   cfg.Sanitize,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		debounce:   cfg.Debounce,
		retryBase:  cfg.RetryBase,
		maxRetries: cfg.MaxRetries,
		kind:       cfg.Store.Kind().ID,
		stop:       make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounce
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBase
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	cfg.Store.SetScheduler(c)
	return c
}

// Schedule implements store.Scheduler. Every mutation restarts the debounce
// timer, so a burst of mutations inside one window yields exactly one
// flush, and that flush reads the state current at fire time.
func (c *Coordinator[T]) Schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dirty = true
	c.everScheduled = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushNow)
		return
	}
	c.timer.Reset(c.debounce)
}

// Dirty reports whether mutations are waiting on the debounce timer.
func (c *Coordinator[T]) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// flushNow is the debounce timer callback. It cancels the previous cycle's
// retry chain and starts a fresh flush goroutine.
func (c *Coordinator[T]) flushNow() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.dirty = false
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.flush(ctx); err != nil {
			errutil.LogWarn(c.logger, "flush abandoned", err)
		}
	}()
}

// flush performs one write cycle: fingerprint check, locate with backoff,
// snapshot, write. Returning nil covers both a successful write and a
// deliberate skip; a canceled cycle is also nil since a newer cycle or the
// shutdown flush owns the state now.
func (c *Coordinator[T]) flush(ctx context.Context) error {
	if c.revMatches(c.store.Rev()) {
		c.metrics.writeSkipped(c.kind)
		c.logger.Debug("flush skipped: contents unchanged", "kind", c.kind)
		return nil
	}

	handle, err := c.locate(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, ErrBackendUnavailable):
		c.metrics.retriesExhausted(c.kind)
		return oops.
			Code("BACKEND_UNAVAILABLE").
			With("kind", c.kind).
			With("attempts", c.maxRetries+1).
			Wrap(err)
	default:
		return oops.Code("BACKEND_LOCATE_FAILED").With("kind", c.kind).Wrap(err)
	}

	// The snapshot is taken after locating, so a write that waited out the
	// backoff still carries the latest state.
	records, templates := c.store.Snapshot()
	rev := store.RevOf(records, templates)
	payload, err := json.Marshal(envelope[T]{Records: records, Templates: templates, Rev: rev})
	if err != nil {
		return oops.Code("SNAPSHOT_ENCODE_FAILED").With("kind", c.kind).Wrap(err)
	}

	if err := handle.WriteSnapshot(ctx, c.criteria.OrganizationID, c.kind, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return oops.Code("SNAPSHOT_WRITE_FAILED").With("kind", c.kind).Wrap(err)
	}

	c.setLastRev(rev)
	c.metrics.write(c.kind, time.Now())
	c.logger.Debug("snapshot written",
		"kind", c.kind,
		"records", len(records),
		"templates", len(templates))
	return nil
}

// locate resolves the backend handle, retrying ErrBackendUnavailable with
// exponential backoff. Any other locate error fails immediately.
func (c *Coordinator[T]) locate(ctx context.Context) (Handle, error) {
	var handle Handle
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, lerr := c.backend.Locate(ctx, c.criteria)
		if lerr != nil {
			if errors.Is(lerr, ErrBackendUnavailable) {
				return retry.RetryableError(lerr)
			}
			return lerr
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Hydrate loads the backend snapshot into the store. An absent snapshot
// leaves the store empty and returns nil; corrupt fields are reset by the
// sanitizer and logged, never failing the hydration.
func (c *Coordinator[T]) Hydrate(ctx context.Context) error {
	handle, err := c.locate(ctx)
	if err != nil {
		return oops.Code("BACKEND_UNAVAILABLE").With("kind", c.kind).Wrap(err)
	}
	return c.hydrateFrom(ctx, handle, false)
}

func (c *Coordinator[T]) hydrateFrom(ctx context.Context, handle Handle, suppressEcho bool) error {
	data, err := handle.ReadSnapshot(ctx, c.criteria.OrganizationID, c.kind)
	if err != nil {
		return oops.Code("SNAPSHOT_READ_FAILED").With("kind", c.kind).Wrap(err)
	}
	if data == nil {
		c.logger.Debug("no snapshot to hydrate", "kind", c.kind)
		return nil
	}

	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return oops.Code("SNAPSHOT_DECODE_FAILED").With("kind", c.kind).Wrap(err)
	}
	if suppressEcho && c.revMatches(env.Rev) {
		c.logger.Debug("invalidation matched own write, ignoring", "kind", c.kind)
		return nil
	}

	repaired := 0
	if c.sanitize != nil {
		for _, rec := range env.Records {
			for _, field := range c.sanitize(rec) {
				repaired++
				c.logger.Warn("hydrate: corrupt field reset",
					"code", "DATA_CORRUPTION",
					"kind", c.kind,
					"record_id", rec.Metadata().ID,
					"field", field)
			}
		}
	}

	c.store.Hydrate(env.Records, env.Templates)
	c.setLastRev(c.store.Rev())
	c.metrics.hydration(c.kind)
	c.metrics.corruptionsRepaired(c.kind, repaired)
	c.logger.Info("store hydrated",
		"kind", c.kind,
		"records", len(env.Records),
		"templates", len(env.Templates),
		"repaired_fields", repaired)
	return nil
}

// Run consumes the invalidation feed until ctx is done or the coordinator
// closes. A relevant invalidation triggers rehydration unless the backend
// still holds this coordinator's own last write. Coordinators without a
// source return immediately.
func (c *Coordinator[T]) Run(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-c.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer func() {
		cancel()
		<-watchDone
	}()

	for {
		ch, err := c.subscribe(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return oops.Code("INVALIDATION_SUBSCRIBE_FAILED").With("kind", c.kind).Wrap(err)
		}
		c.logger.Debug("invalidation feed subscribed", "kind", c.kind)

	consume:
		for {
			select {
			case <-runCtx.Done():
				return nil
			case inv, ok := <-ch:
				if !ok {
					c.logger.Warn("invalidation feed closed, resubscribing", "kind", c.kind)
					break consume
				}
				c.handleInvalidation(runCtx, inv)
			}
		}
	}
}

// subscribe opens the invalidation feed with the locate backoff policy.
func (c *Coordinator[T]) subscribe(ctx context.Context) (<-chan Invalidation, error) {
	var ch <-chan Invalidation
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, serr := c.source.Subscribe(ctx)
		if serr != nil {
			return retry.RetryableError(serr)
		}
		ch = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Coordinator[T]) handleInvalidation(ctx context.Context, inv Invalidation) {
	if inv.RecordID != c.criteria.OrganizationID {
		return
	}
	if len(inv.ChangedKeys) > 0 && !slices.Contains(inv.ChangedKeys, c.kind) {
		return
	}
	handle, err := c.locate(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			errutil.LogWarn(c.logger, "rehydrate: backend unavailable", err)
		}
		return
	}
	if err := c.hydrateFrom(ctx, handle, true); err != nil {
		errutil.LogWarn(c.logger, "rehydrate failed", err)
	}
}

// Close stops the debounce timer and the run loop, waits for in-flight
// cycles, then performs one final flush so a shutdown never loses the last
// debounce window. Coordinators that were never scheduled skip the final
// flush, so a fresh process cannot clobber a backend it failed to hydrate
// from. Close is idempotent.
func (c *Coordinator[T]) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		scheduled := c.everScheduled
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		close(c.stop)
		c.wg.Wait()

		if scheduled {
			err = c.flush(ctx)
		}
	})
	return err
}

func (c *Coordinator[T]) revMatches(rev store.Rev) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haveRev && c.lastRev == rev
}

func (c *Coordinator[T]) setLastRev(rev store.Rev) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRev = rev
	c.haveRev = true
}
