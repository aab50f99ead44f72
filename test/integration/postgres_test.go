// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

//go:build integration

package integration

import (
	"context"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/garrisonhq/garrison/internal/patrol"
	"github.com/garrisonhq/garrison/internal/persist"
	pgbackend "github.com/garrisonhq/garrison/internal/persist/postgres"
	"github.com/garrisonhq/garrison/internal/stats"
	"github.com/garrisonhq/garrison/internal/store"
	"github.com/garrisonhq/garrison/internal/warehouse"
)

// pgEnv holds the PostgreSQL resources one spec needs.
type pgEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	connStr   string
	backend   *pgbackend.Backend
}

// setupPostgres starts a PostgreSQL container, migrates it, and connects a
// snapshot backend.
func setupPostgres() (*pgEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	env := &pgEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("garrison_test"),
		postgres.WithUsername("garrison"),
		postgres.WithPassword("garrison"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		return nil, err
	}
	env.connStr = connStr

	migrator, err := pgbackend.NewMigrator(connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		_ = container.Terminate(ctx)
		cancel()
		return nil, err
	}
	_ = migrator.Close()

	env.backend, err = pgbackend.New(ctx, connStr, slog.Default())
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		return nil, err
	}
	return env, nil
}

// cleanup releases the backend and the container.
func (env *pgEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.backend != nil {
		env.backend.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(ctx)
	}
	env.cancel()
}

var _ = Describe("PostgreSQL Backend", func() {
	const orgID = "garrison-pg"

	var env *pgEnv

	BeforeEach(func() {
		var err error
		env, err = setupPostgres()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("Migrations", func() {
		It("applies every migration and reports a clean version", func() {
			migrator, err := pgbackend.NewMigrator(env.connStr)
			Expect(err).NotTo(HaveOccurred())

			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(dirty).To(BeFalse())
			Expect(version).To(BeNumerically(">=", 1))

			pending, err := migrator.PendingMigrations()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())

			applied, err := migrator.AppliedMigrations()
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(ContainElement(uint(1)))

			name, err := pgbackend.MigrationName(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(ContainSubstring("create_snapshots"))

			_ = migrator.Close()
		})
	})

	Describe("Snapshot Table", func() {
		It("round-trips and upserts snapshot payloads", func() {
			handle, err := env.backend.Locate(env.ctx, persist.Criteria{OrganizationID: orgID})
			Expect(err).NotTo(HaveOccurred())

			data, err := handle.ReadSnapshot(env.ctx, orgID, patrol.KindID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(BeNil(), "nothing written yet")

			payload := []byte(`{"records":[],"templates":[],"rev":{"count":0}}`)
			Expect(handle.WriteSnapshot(env.ctx, orgID, patrol.KindID, payload)).To(Succeed())

			data, err = handle.ReadSnapshot(env.ctx, orgID, patrol.KindID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(payload))

			replaced := []byte(`{"records":[],"templates":[],"rev":{"count":1}}`)
			Expect(handle.WriteSnapshot(env.ctx, orgID, patrol.KindID, replaced)).To(Succeed())

			data, err = handle.ReadSnapshot(env.ctx, orgID, patrol.KindID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(replaced))
		})

		It("keeps organizations and kinds on separate rows", func() {
			handle, err := env.backend.Locate(env.ctx, persist.Criteria{OrganizationID: orgID})
			Expect(err).NotTo(HaveOccurred())

			a := []byte(`{"records":[],"templates":[],"rev":{"count":1}}`)
			b := []byte(`{"records":[],"templates":[],"rev":{"count":2}}`)
			Expect(handle.WriteSnapshot(env.ctx, orgID, patrol.KindID, a)).To(Succeed())
			Expect(handle.WriteSnapshot(env.ctx, orgID, warehouse.KindResource, b)).To(Succeed())
			Expect(handle.WriteSnapshot(env.ctx, "other-org", patrol.KindID, b)).To(Succeed())

			data, err := handle.ReadSnapshot(env.ctx, orgID, patrol.KindID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(a))

			data, err = handle.ReadSnapshot(env.ctx, "other-org", patrol.KindID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(b))
		})
	})

	Describe("LISTEN/NOTIFY", func() {
		It("delivers snapshot invalidations to listeners", func() {
			listener := pgbackend.NewListener(pgbackend.ListenerConfig{DSN: env.connStr})
			ch, err := listener.Subscribe(env.ctx)
			Expect(err).NotTo(HaveOccurred())

			handle, err := env.backend.Locate(env.ctx, persist.Criteria{OrganizationID: orgID})
			Expect(err).NotTo(HaveOccurred())
			payload := []byte(`{"records":[],"templates":[],"rev":{"count":0}}`)
			Expect(handle.WriteSnapshot(env.ctx, orgID, warehouse.KindResource, payload)).To(Succeed())

			var inv persist.Invalidation
			Eventually(ch, 10*time.Second).Should(Receive(&inv))
			Expect(inv.RecordID).To(Equal(orgID))
			Expect(inv.ChangedKeys).To(ConsistOf(warehouse.KindResource))
		})
	})

	Describe("Cross-Process Convergence", func() {
		It("rehydrates a peer store after a snapshot write", func() {
			By("Step 1: wiring two stores to the same database")
			writerStore := store.New(store.Config[*patrol.Patrol]{Descriptor: patrol.Descriptor{}})
			writerCo := persist.NewCoordinator(persist.Config[*patrol.Patrol]{
				Store:    writerStore,
				Backend:  env.backend,
				Criteria: persist.Criteria{OrganizationID: orgID},
				Debounce: testDebounce,
			})

			readerStore := store.New(store.Config[*patrol.Patrol]{Descriptor: patrol.Descriptor{}})
			readerCo := persist.NewCoordinator(persist.Config[*patrol.Patrol]{
				Store:   readerStore,
				Backend: env.backend,
				Source: pgbackend.NewListener(pgbackend.ListenerConfig{
					DSN: env.connStr,
				}),
				Criteria: persist.Criteria{OrganizationID: orgID},
				Debounce: testDebounce,
			})

			runDone := make(chan error, 1)
			go func() {
				runDone <- readerCo.Run(env.ctx)
			}()

			By("Step 2: creating a patrol on the writer")
			p, err := writerStore.Create(env.ctx, func(rec *patrol.Patrol) {
				rec.Name = "river watch"
				rec.OrganizationID = orgID
				rec.BaseStats = stats.Modifier{"attack": 6}
			})
			Expect(err).NotTo(HaveOccurred())

			By("Step 3: waiting for the reader to converge")
			Eventually(func() bool {
				if _, ok := readerStore.Get(p.ID); ok {
					return true
				}
				// Notifications sent before the reader's LISTEN session is
				// up are lost, so keep re-flushing until one lands.
				_, _ = writerStore.Update(env.ctx, p.ID, func(*patrol.Patrol) error { return nil })
				return false
			}, 15*time.Second, 250*time.Millisecond).Should(BeTrue())

			got, ok := readerStore.Get(p.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Name).To(Equal("river watch"))
			Expect(got.OrganizationID).To(Equal(orgID))

			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			Expect(writerCo.Close(closeCtx)).To(Succeed())
			Expect(readerCo.Close(closeCtx)).To(Succeed())

			env.cancel()
			Eventually(runDone).Should(Receive(BeNil()))
		})
	})
})
