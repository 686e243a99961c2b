package jwks

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch result labels.
const (
	resultSuccess      = "success"
	resultFailed       = "resolution_failed"
	resultMalformed    = "malformed"
	resultEmpty        = "empty"
	resultBreakerOpen  = "breaker_open"
	storeResultHit     = "hit"
	storeResultMiss    = "miss"
	storeResultExpired = "expired"
	storeResultError   = "error"
)

// Metrics holds Prometheus metrics for key resolution.
type Metrics struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	storeTotal    *prometheus.CounterVec
}

// NewMetrics creates key resolution metrics and registers them on
// registerer. A nil registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "fetch_total",
				Help:      "Total number of key set fetches by result",
			},
			[]string{"result"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "fetch_duration_seconds",
				Help:      "Key set fetch duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
		storeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "shared_store_total",
				Help:      "Total number of shared key set store lookups by result",
			},
			[]string{"result"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.fetchTotal, m.fetchDuration, m.storeTotal)
	}

	return m
}

func (m *Metrics) recordFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := fetchResult(err)
	m.fetchTotal.WithLabelValues(result).Inc()
	m.fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) recordStore(result string) {
	if m == nil {
		return
	}
	m.storeTotal.WithLabelValues(result).Inc()
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, errBreakerOpen):
		return resultBreakerOpen
	case errors.Is(err, ErrMalformedKeySet):
		return resultMalformed
	case errors.Is(err, ErrEmptyKeySet):
		return resultEmpty
	default:
		return resultFailed
	}
}
