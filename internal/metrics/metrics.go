// Package metrics exposes Prometheus instrumentation for the orchestrator:
// scheduler publication throughput, worker/crypto-service latency, registry
// retry counts, and phase-trigger outcomes.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	// EnableElectionLabel controls whether electionId is used as a metric
	// label. Disable on deployments with many short-lived elections to
	// bound cardinality.
	EnableElectionLabel bool
}

// Metrics holds every instrument the orchestrator emits.
type Metrics struct {
	config Config

	chunksPublishedTotal   *prometheus.CounterVec
	chunksCompletedTotal   *prometheus.CounterVec
	chunksFailedTotal      *prometheus.CounterVec
	chunkRetryTotal        *prometheus.CounterVec
	chunkProcessingSeconds *prometheus.HistogramVec

	cryptoServiceCallsTotal  *prometheus.CounterVec
	cryptoServiceErrorsTotal *prometheus.CounterVec
	cryptoServiceSeconds     *prometheus.HistogramVec

	phaseTriggeredTotal *prometheus.CounterVec
	lockContentionTotal *prometheus.CounterVec

	queueDepth        *prometheus.GaugeVec
	activeInstances   prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
	credentialEntries *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration,
// registered against the default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableElectionLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the given config.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance bound to a custom
// registry. Useful in tests, to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		chunksPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_chunks_published_total",
				Help: "Total number of chunks published onto a broker queue.",
			},
			[]string{"task_type", "election_id"},
		),
		chunksCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_chunks_completed_total",
				Help: "Total number of chunks that reached COMPLETED.",
			},
			[]string{"task_type", "election_id"},
		),
		chunksFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_chunks_failed_total",
				Help: "Total number of chunks that reached FAILED (including retriable failures).",
			},
			[]string{"task_type", "election_id", "permanent"},
		),
		chunkRetryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_chunk_retry_total",
				Help: "Total number of FAILED->PENDING retry transitions scheduled by the registry.",
			},
			[]string{"task_type"},
		),
		chunkProcessingSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cto_chunk_processing_seconds",
				Help:    "Wall-clock time a worker spent processing one chunk, start to report.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
			},
			[]string{"task_type"},
		),
		cryptoServiceCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_crypto_service_calls_total",
				Help: "Total number of CryptoService RPC calls issued.",
			},
			[]string{"rpc"},
		),
		cryptoServiceErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_crypto_service_errors_total",
				Help: "Total number of CryptoService RPC failures (transport or explicit error response).",
			},
			[]string{"rpc", "error_type"},
		),
		cryptoServiceSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cto_crypto_service_seconds",
				Help:    "CryptoService RPC latency.",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"rpc"},
		),
		phaseTriggeredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_phase_triggered_total",
				Help: "Total number of once-only phase transitions won by a worker's compare-and-set.",
			},
			[]string{"phase"},
		),
		lockContentionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cto_lock_contention_total",
				Help: "Total number of times a worker observed a chunk lock already held (duplicate delivery).",
			},
			[]string{"layer"}, // "local" or "kv"
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cto_queue_depth",
				Help: "Estimated broker queue depth, sampled by the scheduler's diagnostic tick.",
			},
			[]string{"queue"},
		),
		activeInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cto_active_task_instances",
				Help: "Number of task-instances with at least one non-terminal chunk.",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cto_goroutines",
				Help: "Number of goroutines, sampled periodically to help catch worker leaks.",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cto_memory_alloc_bytes",
				Help: "Bytes allocated and not yet freed, sampled periodically.",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cto_memory_sys_bytes",
				Help: "Total bytes obtained from the OS, sampled periodically.",
			},
		),
		credentialEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cto_credential_entries",
				Help: "Number of live (unexpired) guardian credential entries in the KV store, by kind.",
			},
			[]string{"kind"}, // "privatekey" or "polynomial"
		),
	}
}

func (m *Metrics) electionLabel(electionID string) string {
	if !m.config.EnableElectionLabel {
		return "*"
	}
	return electionID
}

// RecordChunkPublished records a chunk publication onto a broker queue.
func (m *Metrics) RecordChunkPublished(taskType, electionID string) {
	m.chunksPublishedTotal.WithLabelValues(taskType, m.electionLabel(electionID)).Inc()
}

// RecordChunkCompleted records a chunk reaching COMPLETED, with the total
// processing duration from start to report.
func (m *Metrics) RecordChunkCompleted(ctx context.Context, taskType, electionID string, duration time.Duration) {
	labels := prometheus.Labels{"task_type": taskType}
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := m.chunkProcessingSeconds.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.chunkProcessingSeconds.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.chunkProcessingSeconds.With(labels).Observe(duration.Seconds())
	}
	m.chunksCompletedTotal.WithLabelValues(taskType, m.electionLabel(electionID)).Inc()
}

// RecordChunkFailed records a chunk reaching FAILED. permanent indicates
// whether the retry budget is exhausted (PERMANENTLY_FAILED).
func (m *Metrics) RecordChunkFailed(taskType, electionID string, permanent bool) {
	m.chunksFailedTotal.WithLabelValues(taskType, m.electionLabel(electionID), strconv.FormatBool(permanent)).Inc()
}

// RecordChunkRetryScheduled records a FAILED->PENDING retry transition.
func (m *Metrics) RecordChunkRetryScheduled(taskType string) {
	m.chunkRetryTotal.WithLabelValues(taskType).Inc()
}

// RecordCryptoServiceCall records one CryptoService RPC invocation outcome.
func (m *Metrics) RecordCryptoServiceCall(ctx context.Context, rpc string, duration time.Duration, err error, errorType string) {
	labels := prometheus.Labels{"rpc": rpc}
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoServiceCallsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoServiceCallsTotal.With(labels).Inc()
		}
		if observer, ok := m.cryptoServiceSeconds.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cryptoServiceSeconds.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.cryptoServiceCallsTotal.With(labels).Inc()
		m.cryptoServiceSeconds.With(labels).Observe(duration.Seconds())
	}
	if err != nil {
		m.cryptoServiceErrorsTotal.WithLabelValues(rpc, errorType).Inc()
	}
}

// RecordPhaseTriggered records a once-only phase-transition win.
func (m *Metrics) RecordPhaseTriggered(phase string) {
	m.phaseTriggeredTotal.WithLabelValues(phase).Inc()
}

// RecordLockContention records an observed duplicate-delivery lock hit.
func (m *Metrics) RecordLockContention(layer string) {
	m.lockContentionTotal.WithLabelValues(layer).Inc()
}

// SetQueueDepth sets the estimated depth of a broker queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetActiveInstances sets the number of active task-instances.
func (m *Metrics) SetActiveInstances(n int) {
	m.activeInstances.Set(float64(n))
}

// SetCredentialEntries sets the number of live credential entries of a kind.
func (m *Metrics) SetCredentialEntries(kind string, n int) {
	m.credentialEntries.WithLabelValues(kind).Set(float64(n))
}

// UpdateSystemMetrics samples goroutine count and heap stats.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine sampling system metrics
// every interval until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx, for attaching Prometheus
// exemplars that let an operator jump from a metric spike to a trace.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
