package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingRequestsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gend",
		Subsystem: "pool",
		Name:      "pending_requests",
		Help:      "Backend requests waiting for a grant",
	})

	grantsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gend",
		Subsystem: "pool",
		Name:      "grants_total",
		Help:      "Total backend grants",
	})

	backendsInUseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gend",
		Subsystem: "pool",
		Name:      "backends_in_use",
		Help:      "Backends currently claimed by a request",
	})
)

func init() {
	prometheus.MustRegister(pendingRequestsGauge, grantsTotal, backendsInUseGauge)
}
