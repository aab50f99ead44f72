// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package persist

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts persistence activity per kind. A nil *Metrics is valid and
// records nothing, so coordinators work without an observability stack.
type Metrics struct {
	Writes              *prometheus.CounterVec
	WritesSkipped       *prometheus.CounterVec
	RetriesExhausted    *prometheus.CounterVec
	Hydrations          *prometheus.CounterVec
	CorruptionsRepaired *prometheus.CounterVec
	LastFlush           *prometheus.GaugeVec
}

// NewMetrics creates and registers the persistence metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garrison_persist_writes_total",
				Help: "Total number of snapshot writes by kind",
			},
			[]string{"kind"},
		),
		WritesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garrison_persist_writes_skipped_total",
				Help: "Total number of flushes skipped because the fingerprint was unchanged",
			},
			[]string{"kind"},
		),
		RetriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garrison_persist_retries_exhausted_total",
				Help: "Total number of flush cycles abandoned after the backend stayed unavailable",
			},
			[]string{"kind"},
		),
		Hydrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garrison_persist_hydrations_total",
				Help: "Total number of store hydrations from the backend",
			},
			[]string{"kind"},
		),
		CorruptionsRepaired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garrison_persist_corruptions_repaired_total",
				Help: "Total number of corrupt fields reset during hydration",
			},
			[]string{"kind"},
		),
		LastFlush: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "garrison_persist_last_flush_timestamp_seconds",
				Help: "Unix timestamp of the last successful snapshot write",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.Writes,
		m.WritesSkipped,
		m.RetriesExhausted,
		m.Hydrations,
		m.CorruptionsRepaired,
		m.LastFlush,
	)

	return m
}

func (m *Metrics) write(kind string, at time.Time) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(kind).Inc()
	m.LastFlush.WithLabelValues(kind).Set(float64(at.UnixNano()) / float64(time.Second))
}

func (m *Metrics) writeSkipped(kind string) {
	if m == nil {
		return
	}
	m.WritesSkipped.WithLabelValues(kind).Inc()
}

func (m *Metrics) retriesExhausted(kind string) {
	if m == nil {
		return
	}
	m.RetriesExhausted.WithLabelValues(kind).Inc()
}

func (m *Metrics) hydration(kind string) {
	if m == nil {
		return
	}
	m.Hydrations.WithLabelValues(kind).Inc()
}

func (m *Metrics) corruptionsRepaired(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CorruptionsRepaired.WithLabelValues(kind).Add(float64(n))
}
