package cors

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for CORS evaluation.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
}

// NewMetrics creates CORS metrics and registers them on registerer. A nil
// registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cors",
				Name:      "decisions_total",
				Help:      "Total number of CORS decisions by outcome and reason",
			},
			[]string{"outcome", "reason", "preflight"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.decisionsTotal)
	}

	return m
}

func (m *Metrics) record(d Decision) {
	if m == nil {
		return
	}
	preflight := "false"
	if d.Preflight {
		preflight = "true"
	}
	m.decisionsTotal.WithLabelValues(d.Outcome.String(), string(d.Reason), preflight).Inc()
}
