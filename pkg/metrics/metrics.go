package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "lexsync"

// Metrics owns a private registry so tests and short-lived CLI runs never
// collide on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	syncs          *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	transferErrors *prometheus.CounterVec
	retries        *prometheus.CounterVec
	lockEvents     *prometheus.CounterVec
	lockWait       prometheus.Histogram
}

// New registers all lexsync collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Sync operations by decision and result.",
		}, []string{"decision", "result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Artifact bytes moved to or from the remote store.",
		}, []string{"direction"}),
		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Failed transfers by direction and kind.",
		}, []string{"direction", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Retried remote store calls by operation.",
		}, []string{"op"}),
		lockEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_events_total",
			Help:      "Lock lifecycle events.",
		}, []string{"event"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the remote lock.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncs,
		m.transferBytes,
		m.transferErrors,
		m.retries,
		m.lockEvents,
		m.lockWait,
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSync counts one sync operation.
func (m *Metrics) ObserveSync(decision, result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(decision, result).Inc()
}

// AddTransferBytes records bytes moved in direction ("upload" or "download").
func (m *Metrics) AddTransferBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// ObserveTransferError counts a failed transfer.
func (m *Metrics) ObserveTransferError(direction, kind string) {
	if m == nil {
		return
	}
	m.transferErrors.WithLabelValues(direction, kind).Inc()
}

// ObserveRetry counts a retried store call.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// ObserveLockEvent counts a lock lifecycle event.
func (m *Metrics) ObserveLockEvent(event string) {
	if m == nil {
		return
	}
	m.lockEvents.WithLabelValues(event).Inc()
}

// ObserveLockWait records how long an acquisition waited.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// Push sends the registry to a Prometheus Pushgateway. Short-lived CLI runs
// use this instead of being scraped.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job, instance string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	pusher := push.New(gatewayURL, job).Gatherer(m.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	return pusher.PushContext(ctx)
}
