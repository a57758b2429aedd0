// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Prometheus metrics for the bundle store
// and the sync engine. All collectors live on a private registry so
// tests and embedded uses never collide with the global default.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon registers. A nil *Metrics
// is valid: all record methods become no-ops, so libraries can accept
// the pointer without nil checks at each call site.
type Metrics struct {
	registry *prometheus.Registry

	bundlesAdmitted    *prometheus.CounterVec // by priority tier
	duplicatesIgnored  prometheus.Counter
	admissionsRejected prometheus.Counter
	bundlesEvicted     *prometheus.CounterVec // by reason
	bundlesExpired     prometheus.Counter
	occupancyBytes     prometheus.Gauge

	syncSessions    *prometheus.CounterVec // by outcome
	bundlesSent     prometheus.Counter
	bundlesReceived prometheus.Counter
	sessionSeconds  prometheus.Histogram
}

// New creates a Metrics with all collectors registered on a fresh
// registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.bundlesAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "bundles_admitted_total",
		Help:      "Bundles accepted into the store, by priority tier.",
	}, []string{"priority"})

	m.duplicatesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "duplicates_ignored_total",
		Help:      "Admissions skipped because the bundle ID already existed.",
	})

	m.admissionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "admissions_rejected_total",
		Help:      "Admissions refused because eviction could not free enough space.",
	})

	m.bundlesEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "bundles_evicted_total",
		Help:      "Bundles removed to make room for an admission, by reason.",
	}, []string{"reason"})

	m.bundlesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "bundles_expired_total",
		Help:      "Bundles transitioned to expired by the TTL sweep.",
	})

	m.occupancyBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mulemesh",
		Subsystem: "store",
		Name:      "occupancy_bytes",
		Help:      "Bytes of live (non-expired) bundles counted against the budget.",
	})

	m.syncSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "sync",
		Name:      "sessions_total",
		Help:      "Completed sync sessions, by outcome.",
	}, []string{"outcome"})

	m.bundlesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "sync",
		Name:      "bundles_sent_total",
		Help:      "Bundles pushed to peers.",
	})

	m.bundlesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulemesh",
		Subsystem: "sync",
		Name:      "bundles_received_total",
		Help:      "Bundles pulled from peers and handed to the store.",
	})

	m.sessionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mulemesh",
		Subsystem: "sync",
		Name:      "session_duration_seconds",
		Help:      "Wall-clock duration of sync sessions.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.registry.MustRegister(
		m.bundlesAdmitted,
		m.duplicatesIgnored,
		m.admissionsRejected,
		m.bundlesEvicted,
		m.bundlesExpired,
		m.occupancyBytes,
		m.syncSessions,
		m.bundlesSent,
		m.bundlesReceived,
		m.sessionSeconds,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdmission counts one accepted bundle in the given tier.
func (m *Metrics) RecordAdmission(priority string) {
	if m == nil {
		return
	}
	m.bundlesAdmitted.WithLabelValues(priority).Inc()
}

// RecordDuplicate counts one idempotent re-admission.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesIgnored.Inc()
}

// RecordRejection counts one refused admission.
func (m *Metrics) RecordRejection() {
	if m == nil {
		return
	}
	m.admissionsRejected.Inc()
}

// RecordEviction counts bundles removed to make room. Reason is
// "expired" or "priority".
func (m *Metrics) RecordEviction(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bundlesEvicted.WithLabelValues(reason).Add(float64(n))
}

// RecordExpired counts bundles the sweep marked expired.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.bundlesExpired.Add(float64(n))
}

// SetOccupancy records the current budgeted byte count.
func (m *Metrics) SetOccupancy(bytes int64) {
	if m == nil {
		return
	}
	m.occupancyBytes.Set(float64(bytes))
}

// RecordSession counts one finished sync session with its transfer
// totals. Outcome is "ok" or "error".
func (m *Metrics) RecordSession(outcome string, sent, received int, seconds float64) {
	if m == nil {
		return
	}
	m.syncSessions.WithLabelValues(outcome).Inc()
	m.bundlesSent.Add(float64(sent))
	m.bundlesReceived.Add(float64(received))
	m.sessionSeconds.Observe(seconds)
}
