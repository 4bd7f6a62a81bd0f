// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry exposes the engine's own health as Prometheus
// metrics plus the usual /metrics, /healthz and /readyz handlers. Metrics
// live on a private registry so multiple engines (and tests) can coexist in
// one process.
package selftelemetry

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all self-telemetry series for the engine.
type Metrics struct {
	registry *prometheus.Registry
	ready    atomic.Bool

	AgentReady prometheus.Gauge
	AgentLive  prometheus.Gauge

	// Event plane. Cumulative counts are mirrored from the engine's own
	// atomics, so they are gauges here.
	EventsReceived *prometheus.GaugeVec
	RingDropped    prometheus.Gauge
	RingOverwrote  prometheus.Gauge

	// Tracker
	Ticks          prometheus.Gauge
	BytesLive      prometheus.Gauge
	LiveCount      prometheus.Gauge
	GrowthBps      prometheus.Gauge
	PressureEvents prometheus.Gauge
	TrackingGaps   prometheus.Gauge
	UnmatchedFrees prometheus.Gauge

	// Analyzers
	LeakCandidates     prometheus.Gauge
	LeakSuspectedBytes prometheus.Gauge
	LeakFalsePositives prometheus.Gauge
	LeakScans          prometheus.Gauge
	FragExternal       prometheus.Gauge
	FragInternal       prometheus.Gauge
	CacheHitRatio      *prometheus.GaugeVec
	CoherenceAnomalies prometheus.Gauge
	StackOverflows     prometheus.Gauge
	NUMALocality       *prometheus.GaugeVec

	ReportLatency prometheus.Histogram
}

// NewMetrics registers every series under namespace on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "memtrace"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.AgentReady = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_ready",
		Help:      "Whether the engine is ready to serve queries (1 = ready)",
	})
	m.AgentLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_live",
		Help:      "Whether the engine is alive (1 = live)",
	})

	m.EventsReceived = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Total events accepted by the interception layer",
	}, []string{"kind"})
	m.RingDropped = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ring_dropped_events",
		Help:      "Cumulative events dropped by full per-CPU rings",
	})
	m.RingOverwrote = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ring_overwritten_events",
		Help:      "Cumulative events overwritten under the overwrite-oldest policy",
	})

	m.Ticks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracker_ticks",
		Help:      "Completed drain cycles",
	})
	m.BytesLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bytes_live",
		Help:      "Bytes currently tracked as allocated",
	})
	m.LiveCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_allocations",
		Help:      "Allocations currently tracked",
	})
	m.GrowthBps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "growth_bytes_per_second",
		Help:      "Live-byte growth rate over the last window",
	})
	m.PressureEvents = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pressure_events",
		Help:      "Windows that crossed the growth pressure threshold",
	})
	m.TrackingGaps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracking_gaps",
		Help:      "Live-table evictions under capacity pressure",
	})
	m.UnmatchedFrees = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unmatched_frees",
		Help:      "Frees with no tracked allocation",
	})

	m.LeakCandidates = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leak_candidates",
		Help:      "Suspected leaks in the last scan",
	})
	m.LeakSuspectedBytes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leak_suspected_bytes",
		Help:      "Bytes held by suspected leaks in the last scan",
	})
	m.LeakFalsePositives = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leak_false_positives_total",
		Help:      "Flagged allocations later freed",
	})
	m.LeakScans = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leak_scans_total",
		Help:      "Leak scans performed",
	})
	m.FragExternal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frag_external_pct",
		Help:      "External fragmentation fraction from the last analysis",
	})
	m.FragInternal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frag_internal_pct",
		Help:      "Internal fragmentation fraction from the last analysis",
	})
	m.CacheHitRatio = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_hit_ratio",
		Help:      "Per-level hit ratio over the last window",
	}, []string{"level"})
	m.CoherenceAnomalies = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_coherence_anomalies_total",
		Help:      "Suspected false-sharing lines observed",
	})
	m.StackOverflows = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stack_overflows_total",
		Help:      "Threads that exhausted their stack budget",
	})
	m.NUMALocality = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "numa_locality_ratio",
		Help:      "Per-node local allocation fraction over the last window",
	}, []string{"node"})

	m.ReportLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "report_build_seconds",
		Help:      "Comprehensive report build latency",
		Buckets:   prometheus.DefBuckets,
	})
	return m
}

// SetReady flips the readiness gauge and the /readyz answer together.
func (m *Metrics) SetReady(ready bool) {
	m.ready.Store(ready)
	if ready {
		m.AgentReady.Set(1)
	} else {
		m.AgentReady.Set(0)
	}
}

// IsReady reports the current readiness state.
func (m *Metrics) IsReady() bool { return m.ready.Load() }

// Registry exposes the private registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ReportFunc builds the payload for the /report handler.
type ReportFunc func() (any, error)

// InstallHandlers wires /metrics, /healthz, /readyz and, when report is
// non-nil, /report onto mux.
func (m *Metrics) InstallHandlers(mux *http.ServeMux, report ReportFunc) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if m.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	if report == nil {
		return
	}
	mux.HandleFunc("/report", func(w http.ResponseWriter, _ *http.Request) {
		start := time.Now()
		payload, err := report()
		m.ReportLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
