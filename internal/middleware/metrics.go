package middleware

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for middleware operations.
type Metrics struct {
	panicsRecovered prometheus.Counter
}

// NewMetrics creates middleware metrics and registers them on registerer.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		panicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered by the recovery middleware",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.panicsRecovered)
	}
	return m
}

func (m *Metrics) panicRecovered() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}
