package exchange

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a Prometheus-backed collector for the exchange round loop,
// namespaced "modex". It exposes:
//
//   - round_duration_seconds (histogram): wall time of one complete
//     round, from the first dequeue to the visited set clearing.
//   - queue_depth (gauge): current length of the change queue.
//   - nodes_changed_total (counter): Nodes written to per round, labeled
//     by node identifier.
//   - translation_errors_total (counter): failed Operation applications,
//     labeled by the edge they ran on, as "from->to".
//   - conflicts_total (counter): startup Conflict responses, labeled by
//     node identifier and the resolution applied.
//
// A nil *Metrics is valid and every method becomes a no-op, so exchange
// code never needs to branch on whether metrics are configured.
type Metrics struct {
	mu sync.RWMutex

	roundDuration    prometheus.Histogram
	queueDepth       prometheus.Gauge
	nodesChanged     *prometheus.CounterVec
	translationError *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
}

// NewMetrics registers ModEx's metrics with registry. Pass
// prometheus.DefaultRegisterer to use the global registry, or a fresh
// prometheus.NewRegistry() to isolate a test or a single Orchestrator
// instance.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		roundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modex",
			Name:      "round_duration_seconds",
			Help:      "Wall time of one complete exchange round",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modex",
			Name:      "queue_depth",
			Help:      "Current length of the change queue",
		}),
		nodesChanged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modex",
			Name:      "nodes_changed_total",
			Help:      "Nodes written to during a round, by identifier",
		}, []string{"identifier"}),
		translationError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modex",
			Name:      "translation_errors_total",
			Help:      "Operation applications that returned an error, by edge (from->to)",
		}, []string{"translation"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modex",
			Name:      "conflicts_total",
			Help:      "Startup Conflict responses, by node identifier and resolution applied",
		}, []string{"identifier", "resolution"}),
	}
}

// ObserveRoundDuration records how long one round took.
func (m *Metrics) ObserveRoundDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.roundDuration.Observe(d.Seconds())
}

// SetQueueDepth records the change queue's current length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.queueDepth.Set(float64(n))
}

// IncNodeChanged records one Node being written to during a round.
func (m *Metrics) IncNodeChanged(identifier string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.nodesChanged.WithLabelValues(identifier).Inc()
}

// IncTranslationError records a failed Operation application.
func (m *Metrics) IncTranslationError(translationName string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.translationError.WithLabelValues(translationName).Inc()
}

// IncConflict records a startup Conflict response and the resolution the
// configured ConflictResolver applied.
func (m *Metrics) IncConflict(identifier string, resolution ConflictResolution) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.conflicts.WithLabelValues(identifier, resolution.String()).Inc()
}
