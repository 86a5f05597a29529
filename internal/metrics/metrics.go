// Package metrics holds the Prometheus collectors shared by the scheduling
// components. Collectors register with the default registry at init and are
// exposed by the HTTP layer on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchd"

var (
	admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by limiter and result",
		},
		[]string{"limiter", "result"},
	)

	residencyLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "loads_total",
			Help:      "Model loads by result",
		},
		[]string{"result"},
	)

	residencyLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "load_duration_seconds",
			Help:      "Duration of model loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	residencyEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "evictions_total",
			Help:      "Models evicted to free memory",
		},
	)

	residencyBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "memory_bytes",
			Help:      "Memory budget in bytes (kind=allocated|capacity)",
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Requests waiting to be batched",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "queue_wait_seconds",
			Help:      "Time from enqueue to dispatch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Requests per dispatched sub-batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"model"},
	)

	batchDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "dispatch_total",
			Help:      "Sub-batches executed by model and result",
		},
		[]string{"model", "result"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "requests_total",
			Help:      "Requests resolved by outcome",
		},
		[]string{"outcome"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit state per target (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit state transitions per target",
		},
		[]string{"target", "to"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "retries_total",
			Help:      "Retry attempts per target",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(
		admissionTotal,
		residencyLoads, residencyLoadDuration, residencyEvictions, residencyBytes,
		queueDepth, queueWait, batchSize, batchDispatch, requestsTotal,
		circuitState, circuitTransitions, retriesTotal,
	)
}

// ObserveAdmission counts one admission decision.
func ObserveAdmission(limiter string, admitted bool) {
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	admissionTotal.WithLabelValues(limiter, result).Inc()
}

// ObserveLoad records a finished model load.
func ObserveLoad(result string, d time.Duration) {
	residencyLoads.WithLabelValues(result).Inc()
	residencyLoadDuration.Observe(d.Seconds())
}

func IncEviction() { residencyEvictions.Inc() }

// SetMemory publishes the budget state.
func SetMemory(allocated, capacity int64) {
	residencyBytes.WithLabelValues("allocated").Set(float64(allocated))
	residencyBytes.WithLabelValues("capacity").Set(float64(capacity))
}

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func ObserveQueueWait(d time.Duration) { queueWait.Observe(d.Seconds()) }

// ObserveBatch records a sub-batch execution for model.
func ObserveBatch(model string, size int, result string) {
	batchSize.WithLabelValues(model).Observe(float64(size))
	batchDispatch.WithLabelValues(model, result).Inc()
}

// ObserveRequest counts a resolved request (completed, failed, cancelled, shed).
func ObserveRequest(outcome string) { requestsTotal.WithLabelValues(outcome).Inc() }

// SetCircuitState records the state of target's breaker and counts the move.
func SetCircuitState(target, state string, level int) {
	circuitState.WithLabelValues(target).Set(float64(level))
	circuitTransitions.WithLabelValues(target, state).Inc()
}

func IncRetry(target string) { retriesTotal.WithLabelValues(target).Inc() }
