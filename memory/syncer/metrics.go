package syncer

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	synchronized  prometheus.Counter
	conflicts     prometheus.Counter
	transactions  *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// newMetrics builds per-manager collectors and registers them when reg is
// non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		synchronized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memsync",
			Name:      "synchronized_total",
			Help:      "Records and vectors copied between stores.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memsync",
			Name:      "conflicts_total",
			Help:      "Conflicting records resolved.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsync",
			Name:      "transactions_total",
			Help:      "Multi-store transactions by outcome.",
		}, []string{"outcome"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsync",
			Name:      "cache_requests_total",
			Help:      "Cross-store query cache lookups by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memsync",
			Name:      "queue_depth",
			Help:      "Updates waiting in the pending queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.synchronized, m.conflicts, m.transactions, m.cacheRequests, m.queueDepth)
	}
	return m
}

const (
	outcomeCommitted  = "committed"
	outcomeRolledBack = "rolled_back"
	outcomeFailed     = "failed"
)
