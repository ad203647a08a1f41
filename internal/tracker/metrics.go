package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the tracker's Prometheus collectors. One Metrics value can be
// shared by every tracker in a process.
type Metrics struct {
	RecordsFinalized prometheus.Counter
	DwellsDropped    prometheus.Counter
	Flushes          *prometheus.CounterVec
	RecordsRequeued  prometheus.Counter
	RecordsDelivered prometheus.Counter
}

// NewMetrics creates the tracker metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "tracker",
			Name:      "records_finalized_total",
			Help:      "Dwells that met the check interval and reached the delivery buffer.",
		}),
		DwellsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "tracker",
			Name:      "dwells_dropped_total",
			Help:      "Dwells shorter than the check interval.",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "tracker",
			Name:      "flushes_total",
			Help:      "Delivery attempts by result.",
		}, []string{"result"}),
		RecordsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "tracker",
			Name:      "records_requeued_total",
			Help:      "Records put back into the buffer after a failed delivery.",
		}),
		RecordsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "tracker",
			Name:      "records_delivered_total",
			Help:      "Records acknowledged by the collector.",
		}),
	}
	reg.MustRegister(m.RecordsFinalized, m.DwellsDropped, m.Flushes, m.RecordsRequeued, m.RecordsDelivered)
	return m
}
