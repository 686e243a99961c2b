package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for pipeline runs.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// NewMetrics creates pipeline metrics and registers them on registerer.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by final state and rejection reason",
			},
			[]string{"state", "reason"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds, excluding forwarding",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"state"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.runsTotal, m.runDuration)
	}

	return m
}

func (m *Metrics) record(res *Result, d time.Duration) {
	if m == nil {
		return
	}
	reason := ""
	if res.Rejection != nil {
		reason = string(res.Rejection.Reason)
	}
	m.runsTotal.WithLabelValues(res.State.String(), reason).Inc()
	m.runDuration.WithLabelValues(res.State.String()).Observe(d.Seconds())
}
