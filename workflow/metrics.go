package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for engine monitoring.
//
// Metrics exposed (all namespaced with "cloudweave_"):
//
//  1. inflight_workflows (gauge): workflows currently executing.
//     Use: monitor admission against the scheduler's concurrency cap.
//
//  2. queue_depth (gauge): workflows admitted but not yet dispatched.
//     Use: track backpressure on the scheduler queue.
//
//  3. step_latency_ms (histogram): step execution duration in milliseconds.
//     Labels: step_id, status (success/error).
//     Use: P50/P95/P99 latency analysis per step.
//
//  4. step_retries_total (counter): cumulative step retry attempts.
//     Labels: step_id.
//
//  5. workflows_total (counter): workflows finished, by terminal status.
//     Labels: status (completed/failed/cancelled).
//
//  6. cleanup_purged_total (counter): workflow records removed by the
//     history retention sweep.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewMetrics(registry)
//	sched, _ := workflow.NewScheduler(cfg, sm, exec, workflow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods may be called from concurrent step goroutines.
type Metrics struct {
	inflightWorkflows prometheus.Gauge
	queueDepth        prometheus.Gauge
	stepLatency       *prometheus.HistogramVec
	stepRetries       *prometheus.CounterVec
	workflowsTotal    *prometheus.CounterVec
	cleanupPurged     prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all engine metrics with the provided
// registry. A nil registry falls back to prometheus.DefaultRegisterer.
//
// Histogram buckets are tuned for typical provider operation times
// (1ms to 10s).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightWorkflows = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudweave",
		Name:      "inflight_workflows",
		Help:      "Current number of workflows executing concurrently",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudweave",
		Name:      "queue_depth",
		Help:      "Number of admitted workflows waiting for dispatch",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloudweave",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds (dispatch to terminal status)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"step_id", "status"})

	m.stepRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudweave",
		Name:      "step_retries_total",
		Help:      "Cumulative count of step retry attempts",
	}, []string{"step_id"})

	m.workflowsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudweave",
		Name:      "workflows_total",
		Help:      "Workflows finished, by terminal status",
	}, []string{"status"})

	m.cleanupPurged = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudweave",
		Name:      "cleanup_purged_total",
		Help:      "Workflow records removed by the history retention sweep",
	})

	return m
}

// RecordStepLatency records one step attempt's duration and outcome.
func (m *Metrics) RecordStepLatency(stepID string, latency time.Duration, status string) {
	if m == nil || !m.recording() {
		return
	}
	m.stepLatency.WithLabelValues(stepID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementStepRetries counts one retry attempt for a step.
func (m *Metrics) IncrementStepRetries(stepID string) {
	if m == nil || !m.recording() {
		return
	}
	m.stepRetries.WithLabelValues(stepID).Inc()
}

// UpdateQueueDepth sets the current scheduler queue depth.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if m == nil || !m.recording() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// UpdateInflightWorkflows sets the current number of executing workflows.
func (m *Metrics) UpdateInflightWorkflows(count int) {
	if m == nil || !m.recording() {
		return
	}
	m.inflightWorkflows.Set(float64(count))
}

// IncrementWorkflowsTotal counts one workflow reaching a terminal status.
func (m *Metrics) IncrementWorkflowsTotal(status Status) {
	if m == nil || !m.recording() {
		return
	}
	m.workflowsTotal.WithLabelValues(string(status)).Inc()
}

// AddCleanupPurged counts records removed by one retention sweep.
func (m *Metrics) AddCleanupPurged(n int) {
	if m == nil || !m.recording() || n <= 0 {
		return
	}
	m.cleanupPurged.Add(float64(n))
}

func (m *Metrics) recording() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
