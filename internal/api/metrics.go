package api

import (
	"net/http"

	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the resilience layer.
type Metrics struct {
	ModeGauge       *prometheus.GaugeVec
	ProbeCounter    *prometheus.CounterVec
	ProbeLatency    prometheus.Histogram
	QueueDepth      prometheus.Gauge
	FailoverCounter *prometheus.CounterVec
	DroppedWrites   prometheus.Counter
	RejectedWrites  prometheus.Counter
	registry        *prometheus.Registry
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ModeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulwark_storage_mode",
				Help: "Active storage mode (1 for the active mode, 0 otherwise)",
			},
			[]string{"mode"},
		),
		ProbeCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulwark_probes_total",
				Help: "Health probe outcomes by target",
			},
			[]string{"target", "outcome"},
		),
		ProbeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulwark_probe_latency_seconds",
				Help:    "Primary probe latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulwark_write_queue_depth",
				Help: "Buffered write operations awaiting replay",
			},
		),
		FailoverCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulwark_failovers_total",
				Help: "Failover transitions by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		DroppedWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bulwark_dropped_writes_total",
				Help: "Queued writes dropped after retry exhaustion or queue clear",
			},
		),
		RejectedWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bulwark_rejected_writes_total",
				Help: "Writes rejected in read-only mode",
			},
		),
		registry: registry,
	}

	registry.MustRegister(m.ModeGauge)
	registry.MustRegister(m.ProbeCounter)
	registry.MustRegister(m.ProbeLatency)
	registry.MustRegister(m.QueueDepth)
	registry.MustRegister(m.FailoverCounter)
	registry.MustRegister(m.DroppedWrites)
	registry.MustRegister(m.RejectedWrites)

	return m
}

// allModes used to zero the mode gauge on transitions.
var allModes = []ha.StorageMode{
	ha.ModeDatabase, ha.ModeReplica, ha.ModeReadOnly,
	ha.ModeMemory, ha.ModeMemoryOptimized, ha.ModeHybrid,
}

// SetMode marks the active mode on the gauge.
func (m *Metrics) SetMode(mode ha.StorageMode) {
	for _, candidate := range allModes {
		value := 0.0
		if candidate == mode {
			value = 1.0
		}
		m.ModeGauge.WithLabelValues(string(candidate)).Set(value)
	}
}

// ObserveSnapshot folds a health snapshot into the probe metrics.
func (m *Metrics) ObserveSnapshot(snap ha.Snapshot) {
	outcome := "success"
	if !snap.PrimaryHealthy {
		outcome = "failure"
	}
	m.ProbeCounter.WithLabelValues("primary", outcome).Inc()
	if snap.PrimaryHealthy {
		m.ProbeLatency.Observe(snap.LatestLatency.Seconds())
	}

	for id, health := range snap.Replicas {
		replicaOutcome := "success"
		if !health.Healthy {
			replicaOutcome = "failure"
		}
		m.ProbeCounter.WithLabelValues(id, replicaOutcome).Inc()
	}
}

// RecordFailover counts a completed transition.
func (m *Metrics) RecordFailover(event ha.FailoverEvent) {
	outcome := "success"
	if !event.Success {
		outcome = "failure"
	}
	m.FailoverCounter.WithLabelValues(string(event.Trigger), outcome).Inc()
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
