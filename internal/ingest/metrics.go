package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	batches *prometheus.CounterVec
	events  *prometheus.CounterVec
}

// NewMetrics registers the ingest collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geotrack",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Track batches received, by whether they were new or redelivered.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geotrack",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events accepted from new batches, by type.",
		}, []string{"type"}),
	}
	for _, c := range []prometheus.Collector{m.batches, m.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
