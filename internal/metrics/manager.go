// Package metrics exposes operation and system health over Prometheus:
// per-operation counters and latencies, byte throughput, multipart
// session gauges and host resource usage sampled from the data
// directory's filesystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager owns the Prometheus registry and the engine-level collectors.
type Manager struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter

	activeUploads prometheus.Gauge
	bucketCount   prometheus.Gauge
	objectCount   prometheus.Gauge
	storedBytes   prometheus.Gauge
}

// NewManager creates a metrics manager with a fresh registry.
func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffer",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "status"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coffer",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"operation"}),

		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coffer",
			Name:      "bytes_read_total",
			Help:      "Object bytes served.",
		}),

		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coffer",
			Name:      "bytes_written_total",
			Help:      "Object bytes accepted.",
		}),

		activeUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Name:      "multipart_active_sessions",
			Help:      "Multipart sessions not yet completed or aborted.",
		}),

		bucketCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Name:      "buckets",
			Help:      "Number of buckets.",
		}),

		objectCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Name:      "objects",
			Help:      "Number of live objects across all buckets.",
		}),

		storedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Name:      "stored_bytes",
			Help:      "Bytes referenced by the catalog across all buckets.",
		}),
	}

	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.bytesRead,
		m.bytesWritten,
		m.activeUploads,
		m.bucketCount,
		m.objectCount,
		m.storedBytes,
	)
	return m
}

// Registry exposes the registry for the /metrics handler and for
// attaching extra collectors.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOperation records one finished operation.
func (m *Manager) ObserveOperation(operation, status string, duration time.Duration) {
	m.operations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddBytesRead accumulates served bytes.
func (m *Manager) AddBytesRead(n int64) {
	if n > 0 {
		m.bytesRead.Add(float64(n))
	}
}

// AddBytesWritten accumulates accepted bytes.
func (m *Manager) AddBytesWritten(n int64) {
	if n > 0 {
		m.bytesWritten.Add(float64(n))
	}
}

// SetActiveUploads sets the active multipart session gauge.
func (m *Manager) SetActiveUploads(n int) {
	m.activeUploads.Set(float64(n))
}

// SetCatalogTotals sets the bucket/object/bytes gauges from a catalog
// snapshot.
func (m *Manager) SetCatalogTotals(buckets int, objects, bytes int64) {
	m.bucketCount.Set(float64(buckets))
	m.objectCount.Set(float64(objects))
	m.storedBytes.Set(float64(bytes))
}
