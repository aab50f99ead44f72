// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/garrisonhq/garrison/internal/bus"
	"github.com/garrisonhq/garrison/internal/patrol"
	"github.com/garrisonhq/garrison/internal/persist"
	"github.com/garrisonhq/garrison/internal/persist/memory"
	"github.com/garrisonhq/garrison/internal/stats"
	"github.com/garrisonhq/garrison/internal/store"
	"github.com/garrisonhq/garrison/internal/warehouse"
)

// testDebounce keeps the flush window short enough for Eventually but long
// enough that a whole mutation burst fits inside one window.
const testDebounce = 50 * time.Millisecond

// node bundles the stores, coordinators, and service one engine process runs
// for a single organization. Specs spin up two nodes against a shared
// backend to exercise cross-process convergence.
type node struct {
	events    *bus.Bus
	patrols   *patrol.Service
	modifiers *store.Store[*warehouse.StatModifier]
	patrolCo  *persist.Coordinator[*patrol.Patrol]
	modCo     *persist.Coordinator[*warehouse.StatModifier]
}

func newNode(backend *memory.Backend, orgID string, debounce time.Duration) *node {
	n := &node{events: bus.New()}

	patrolStore := store.New(store.Config[*patrol.Patrol]{
		Descriptor: patrol.Descriptor{},
		Bus:        n.events,
	})
	n.modifiers = store.New(store.Config[*warehouse.StatModifier]{
		Descriptor: warehouse.StatModifierDescriptor{},
		Bus:        n.events,
	})

	n.patrolCo = persist.NewCoordinator(persist.Config[*patrol.Patrol]{
		Store:     patrolStore,
		Backend:   backend,
		Source:    backend,
		Criteria:  persist.Criteria{OrganizationID: orgID},
		Sanitize:  patrol.SanitizeOrder,
		Debounce:  debounce,
		RetryBase: 10 * time.Millisecond,
	})
	n.modCo = persist.NewCoordinator(persist.Config[*warehouse.StatModifier]{
		Store:     n.modifiers,
		Backend:   backend,
		Source:    backend,
		Criteria:  persist.Criteria{OrganizationID: orgID},
		Debounce:  debounce,
		RetryBase: 10 * time.Millisecond,
	})

	n.patrols = patrol.NewService(patrol.ServiceConfig{
		Store:  patrolStore,
		Source: warehouse.NewOrgModifiers(n.modifiers),
	})
	return n
}

func (n *node) close(ctx context.Context) {
	_ = n.patrolCo.Close(ctx)
	_ = n.modCo.Close(ctx)
}

var _ = Describe("Engine Workflow", func() {
	const orgID = "garrison-test"

	var (
		ctx     context.Context
		cancel  context.CancelFunc
		backend *memory.Backend
		nodes   []*node
	)

	startNode := func(debounce time.Duration) *node {
		n := newNode(backend, orgID, debounce)
		nodes = append(nodes, n)
		return n
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		backend = memory.NewBackend()
		nodes = nil
	})

	AfterEach(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		for _, n := range nodes {
			n.close(closeCtx)
		}
		cancel()
	})

	Describe("Snapshot Roundtrip", func() {
		It("persists mutations and hydrates a fresh node from the snapshot", func() {
			writer := startNode(testDebounce)

			By("Step 1: creating a modifier item and a patrol")
			_, err := writer.modifiers.Create(ctx, func(m *warehouse.StatModifier) {
				m.Name = "banner of vigor"
				m.OrganizationID = orgID
				m.Modifiers = stats.Modifier{"attack": 2}
				m.Active = true
			})
			Expect(err).NotTo(HaveOccurred())

			p, err := writer.patrols.Create(ctx, orgID, "dawn patrol", stats.Modifier{"attack": 10, "defense": 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.DerivedStats).To(Equal(stats.Modifier{"attack": 12, "defense": 5}))

			tpl, err := writer.patrols.Store().CreateTemplate(ctx, "standard patrol", "baseline loadout", p)
			Expect(err).NotTo(HaveOccurred())

			By("Step 2: waiting for the debounced flushes to land in the backend")
			Eventually(func() []byte {
				return backend.Payload(orgID, patrol.KindID)
			}).ShouldNot(BeNil())
			Eventually(func() []byte {
				return backend.Payload(orgID, warehouse.KindStatModifier)
			}).ShouldNot(BeNil())

			By("Step 3: hydrating a fresh node from the same backend")
			reader := startNode(testDebounce)
			Expect(reader.modCo.Hydrate(ctx)).To(Succeed())
			Expect(reader.patrolCo.Hydrate(ctx)).To(Succeed())

			got, ok := reader.patrols.Store().Get(p.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Name).To(Equal("dawn patrol"))
			Expect(got.Version).To(Equal(p.Version))
			Expect(got.DerivedStats).To(Equal(stats.Modifier{"attack": 12, "defense": 5}))

			gotTpl, ok := reader.patrols.Store().GetTemplate(tpl.ID)
			Expect(ok).To(BeTrue())
			Expect(gotTpl.Name).To(Equal("standard patrol"))

			By("Step 4: instantiating the hydrated template on the reader")
			stamped, err := reader.patrols.Store().InstantiateTemplate(ctx, tpl.ID, orgID, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(stamped.Version).To(Equal(int64(1)))
			Expect(stamped.ID).NotTo(Equal(p.ID))
		})

		It("coalesces a mutation burst into a single snapshot write", func() {
			n := startNode(testDebounce)

			p, err := n.patrols.Create(ctx, orgID, "night watch", stats.Modifier{"attack": 1})
			Expect(err).NotTo(HaveOccurred())
			for i := range 5 {
				_, err = n.patrols.Rename(ctx, p.ID, fmt.Sprintf("night watch %d", i))
				Expect(err).NotTo(HaveOccurred())
			}

			Eventually(backend.Writes).Should(BeNumerically(">=", 1))
			Consistently(backend.Writes, 4*testDebounce).Should(Equal(1))

			Expect(string(backend.Payload(orgID, patrol.KindID))).To(ContainSubstring("night watch 4"))
		})

		It("flushes the last debounce window on shutdown", func() {
			n := startNode(time.Minute)

			_, err := n.patrols.Create(ctx, orgID, "rear guard", stats.Modifier{"defense": 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Writes()).To(BeZero())

			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			n.close(closeCtx)

			Expect(backend.Writes()).To(BeNumerically(">=", 1))
			Expect(backend.Payload(orgID, patrol.KindID)).NotTo(BeNil())
		})
	})

	Describe("Peer Convergence", func() {
		It("converges a peer node through backend invalidations", func() {
			writer := startNode(testDebounce)
			reader := startNode(testDebounce)

			By("Step 1: starting the reader's invalidation loop")
			runDone := make(chan error, 1)
			go func() {
				runDone <- reader.patrolCo.Run(ctx)
			}()

			By("Step 2: writing a patrol on the writer node")
			p, err := writer.patrols.Create(ctx, orgID, "far rider", stats.Modifier{"speed": 7})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []byte {
				return backend.Payload(orgID, patrol.KindID)
			}).ShouldNot(BeNil())

			By("Step 3: announcing the write to subscribers")
			backend.Notify(persist.Invalidation{RecordID: orgID, ChangedKeys: []string{patrol.KindID}})

			Eventually(func() bool {
				got, ok := reader.patrols.Store().Get(p.ID)
				return ok && got.Name == "far rider"
			}).Should(BeTrue())

			cancel()
			Eventually(runDone).Should(Receive(BeNil()))
		})

		It("ignores invalidations addressed to other organizations", func() {
			writer := startNode(testDebounce)
			reader := startNode(testDebounce)

			runDone := make(chan error, 1)
			go func() {
				runDone <- reader.patrolCo.Run(ctx)
			}()

			p, err := writer.patrols.Create(ctx, orgID, "border scout", stats.Modifier{"speed": 4})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []byte {
				return backend.Payload(orgID, patrol.KindID)
			}).ShouldNot(BeNil())

			backend.Notify(persist.Invalidation{RecordID: "someone-else", ChangedKeys: []string{patrol.KindID}})

			Consistently(func() int {
				return reader.patrols.Store().Len()
			}, 4*testDebounce).Should(BeZero())

			backend.Notify(persist.Invalidation{RecordID: orgID, ChangedKeys: []string{patrol.KindID}})
			Eventually(func() bool {
				_, ok := reader.patrols.Store().Get(p.ID)
				return ok
			}).Should(BeTrue())

			cancel()
			Eventually(runDone).Should(Receive(BeNil()))
		})
	})

	Describe("Corrupt Snapshot Repair", func() {
		It("resets stringified-object orders during hydration", func() {
			By("Step 1: planting a snapshot with a corrupt last order")
			damaged, err := json.Marshal(map[string]any{
				"records": []map[string]any{{
					"id":              "01JLC0RR8MVP2YD8EXAMPLE001",
					"name":            "lost company",
					"organization_id": orgID,
					"version":         3,
					"base_stats":      map[string]int{"attack": 4},
					"derived_stats":   map[string]int{"attack": 4},
					"last_order":      map[string]any{"text": "[object Object]"},
				}},
				"templates": []any{},
				"rev":       map[string]any{},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.WriteSnapshot(ctx, orgID, patrol.KindID, damaged)).To(Succeed())

			By("Step 2: hydrating a node from the damaged snapshot")
			n := startNode(testDebounce)
			Expect(n.patrolCo.Hydrate(ctx)).To(Succeed())

			got, ok := n.patrols.Store().Get("01JLC0RR8MVP2YD8EXAMPLE001")
			Expect(ok).To(BeTrue())
			Expect(got.LastOrder).To(BeNil(), "corrupt order should be dropped, not kept")
			Expect(got.Name).To(Equal("lost company"))
		})
	})
})
