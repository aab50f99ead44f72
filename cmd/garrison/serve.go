// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/garrisonhq/garrison/internal/bus"
	"github.com/garrisonhq/garrison/internal/config"
	"github.com/garrisonhq/garrison/internal/entity"
	"github.com/garrisonhq/garrison/internal/logging"
	"github.com/garrisonhq/garrison/internal/observability"
	"github.com/garrisonhq/garrison/internal/patrol"
	"github.com/garrisonhq/garrison/internal/persist"
	"github.com/garrisonhq/garrison/internal/persist/memory"
	"github.com/garrisonhq/garrison/internal/persist/postgres"
	"github.com/garrisonhq/garrison/internal/persist/sqlite"
	"github.com/garrisonhq/garrison/internal/store"
	"github.com/garrisonhq/garrison/internal/warehouse"
	"github.com/garrisonhq/garrison/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the garrison engine",
		Long: `Start the engine process which hydrates the organization's stores
from the snapshot backend, keeps patrol stats derived as modifiers
change, and persists every mutation back to the backend until stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	config.BindFlags(cmd.Flags())

	return cmd
}

// runServeWithDeps starts the engine process with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}

	// Set up default factories
	if deps.ConfigLoader == nil {
		deps.ConfigLoader = config.Load
	}
	if deps.BackendOpener == nil {
		deps.BackendOpener = openBackend
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}

	cfg, err := deps.ConfigLoader(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault(cfg.Service.Name, version, cfg.Service.LogFormat, cfg.Service.LogLevel)
	logger := slog.Default()

	slog.Info("starting garrison engine",
		"organization", cfg.Service.Organization,
		"driver", cfg.Backend.Driver,
		"log_format", cfg.Service.LogFormat,
	)

	backend, err := deps.BackendOpener(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot backend: %w", err)
	}
	if backend.Close != nil {
		defer func() {
			if closeErr := backend.Close(); closeErr != nil {
				slog.Warn("error closing backend", "error", closeErr)
			}
		}()
	}

	slog.Info("snapshot backend ready", "driver", cfg.Backend.Driver)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Readiness flips once every store has hydrated.
	var ready atomic.Bool

	var obsServer ObservabilityServer
	var metrics *persist.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = persist.NewMetrics(obsServer.Registry())

		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			return fmt.Errorf("failed to start observability server: %w", startErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	eng := buildEngine(cfg, backend, metrics, logger)

	var wg sync.WaitGroup

	// The watcher subscribes before hydration so republished modifier
	// events realign patrol stats loaded from older snapshots.
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchModifiers(ctx, eng, logger)
	}()

	// Patrols hydrate first; see buildEngine.
	for _, coord := range eng.coordinators {
		if hydrateErr := coord.Hydrate(ctx); hydrateErr != nil {
			errutil.LogWarn(logger, "hydration failed, store starts empty", hydrateErr)
		}
	}
	ready.Store(true)

	slog.Info("stores hydrated",
		"kinds", len(eng.registry.Kinds()),
		"patrols", eng.patrols.Store().Len(),
	)

	for _, coord := range eng.coordinators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := coord.Run(ctx); runErr != nil {
				errutil.LogError(logger, "coordinator stopped", runErr)
				cancel()
			}
		}()
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Garrison engine started")
	slog.Info("engine ready",
		"organization", cfg.Service.Organization,
		"kinds", len(eng.registry.Kinds()),
	)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Close flushes pending writes while the backend is still open.
	for _, coord := range eng.coordinators {
		if closeErr := coord.Close(shutdownCtx); closeErr != nil {
			errutil.LogWarn(logger, "error closing coordinator", closeErr)
		}
	}

	cancel()
	wg.Wait()

	if obsServer != nil {
		if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
			slog.Warn("error stopping observability server", "error", stopErr)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// openBackend opens the snapshot backend named by cfg.Backend.Driver.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SnapshotBackend, error) {
	switch cfg.Backend.Driver {
	case config.DriverMemory:
		b := memory.NewBackend()
		return &SnapshotBackend{Locator: b, Source: b}, nil

	case config.DriverPostgres:
		b, err := postgres.New(ctx, cfg.Backend.URL, logger)
		if err != nil {
			return nil, err
		}
		listener := postgres.NewListener(postgres.ListenerConfig{
			DSN:    cfg.Backend.URL,
			Logger: logger,
		})
		return &SnapshotBackend{
			Locator: b,
			Source:  listener,
			Close:   func() error { b.Close(); return nil },
		}, nil

	case config.DriverSQLite:
		b, err := sqlite.Open(cfg.SQLitePath(), logger)
		if err != nil {
			return nil, err
		}
		return &SnapshotBackend{
			Locator: b,
			Source:  b.Poller(0),
			Close:   b.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}
}

// engine bundles the stores, coordinators, and services that make up one
// running garrison process.
type engine struct {
	registry *entity.Registry
	events   *bus.Bus

	patrols       *patrol.Service
	resources     *store.Store[*warehouse.Resource]
	reputations   *store.Store[*warehouse.Reputation]
	statModifiers *store.Store[*warehouse.StatModifier]
	contacts      *store.Store[*warehouse.Contact]

	coordinators []coordinator
}

// coordinator is the kind-independent slice of persist.Coordinator used by
// startup and shutdown.
type coordinator interface {
	Hydrate(ctx context.Context) error
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// buildEngine assembles the registry, bus, stores, coordinators, and the
// patrol service for one organization. The patrol store is wired first so
// it hydrates before the modifier events that trigger rederivation.
func buildEngine(cfg *config.Config, backend *SnapshotBackend, metrics *persist.Metrics, logger *slog.Logger) *engine {
	eng := &engine{
		registry: entity.NewRegistry(),
		events:   bus.New(),
	}

	patrolStore := wireStore[*patrol.Patrol](eng, cfg, patrol.Descriptor{}, backend, patrol.SanitizeOrder, metrics, logger)
	eng.resources = wireStore[*warehouse.Resource](eng, cfg, warehouse.ResourceDescriptor{}, backend, nil, metrics, logger)
	eng.reputations = wireStore[*warehouse.Reputation](eng, cfg, warehouse.ReputationDescriptor{}, backend, nil, metrics, logger)
	eng.statModifiers = wireStore[*warehouse.StatModifier](eng, cfg, warehouse.StatModifierDescriptor{}, backend, nil, metrics, logger)
	eng.contacts = wireStore[*warehouse.Contact](eng, cfg, warehouse.ContactDescriptor{}, backend, nil, metrics, logger)

	eng.patrols = patrol.NewService(patrol.ServiceConfig{
		Store:  patrolStore,
		Source: warehouse.NewOrgModifiers(eng.statModifiers),
		Logger: logger,
	})

	return eng
}

// wireStore registers the descriptor's kind, builds its store, and attaches
// a coordinator persisting it to the backend.
func wireStore[T entity.Record[T]](eng *engine, cfg *config.Config, desc entity.Descriptor[T], backend *SnapshotBackend, sanitize func(T) []string, metrics *persist.Metrics, logger *slog.Logger) *store.Store[T] {
	eng.registry.MustRegister(desc.Kind())

	st := store.New(store.Config[T]{
		Descriptor: desc,
		Bus:        eng.events,
		Logger:     logger,
	})

	coord := persist.NewCoordinator(persist.Config[T]{
		Store:      st,
		Backend:    backend.Locator,
		Source:     backend.Source,
		Criteria:   persist.Criteria{OrganizationID: cfg.Service.Organization},
		Sanitize:   sanitize,
		Metrics:    metrics,
		Logger:     logger,
		Debounce:   time.Duration(cfg.Persist.DebounceMS) * time.Millisecond,
		RetryBase:  time.Duration(cfg.Persist.RetryBaseMS) * time.Millisecond,
		MaxRetries: uint64(cfg.Persist.MaxRetries),
	})
	eng.coordinators = append(eng.coordinators, coord)

	return st
}

// watchModifiers rederives patrol stats whenever an organization stat
// modifier changes. Refresh failures are logged and skipped; the next
// modifier change retries them.
func watchModifiers(ctx context.Context, eng *engine, logger *slog.Logger) {
	pattern := warehouse.KindStatModifier + "/*"
	ch, err := eng.events.Subscribe(pattern)
	if err != nil {
		errutil.LogError(logger, "modifier watch failed", err)
		return
	}
	defer eng.events.Unsubscribe(pattern, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, p := range eng.patrols.Store().ListByOrganization(ev.OrganizationID) {
				if _, refreshErr := eng.patrols.Refresh(ctx, p.ID); refreshErr != nil {
					errutil.LogWarn(logger, "patrol refresh failed", refreshErr)
				}
			}
		}
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
