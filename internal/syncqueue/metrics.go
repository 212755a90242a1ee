package syncqueue

import "github.com/prometheus/client_golang/prometheus"

// Delivery outcomes recorded on the attempts counter.
const (
	outcomeDelivered    = "delivered"
	outcomeRetry        = "retry"
	outcomeExhausted    = "exhausted"
	outcomeUnauthorized = "unauthorized"
	outcomeUnknown      = "unknown"
)

type Metrics struct {
	pending      prometheus.Gauge
	attempts     *prometheus.CounterVec
	deadLettered prometheus.Counter
	discarded    prometheus.Counter
}

// NewMetrics creates the queue metrics and registers them on reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geotrack",
			Subsystem: "syncqueue",
			Name:      "pending_batches",
			Help:      "Number of batches waiting for acknowledgement.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geotrack",
			Subsystem: "syncqueue",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrack",
			Subsystem: "syncqueue",
			Name:      "dead_lettered_total",
			Help:      "Batches moved to the dead-letter store after exhausting their attempts.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrack",
			Subsystem: "syncqueue",
			Name:      "discarded_total",
			Help:      "Batches dropped after exhausting their attempts.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.pending, m.attempts, m.deadLettered, m.discarded} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
