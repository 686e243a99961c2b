package keycache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lookup result labels.
const (
	lookupHit        = "hit"
	lookupMiss       = "miss"
	lookupExpired    = "expired"
	lookupStale      = "stale"
	lookupUnknownKid = "unknown_kid"
	lookupError      = "error"

	forcedPerformed = "performed"
	forcedThrottled = "throttled"
)

// Metrics holds Prometheus metrics for the key cache.
type Metrics struct {
	lookupsTotal       *prometheus.CounterVec
	resolutionsTotal   *prometheus.CounterVec
	forcedRefreshTotal *prometheus.CounterVec
	entries            prometheus.Gauge
}

// NewMetrics creates key cache metrics and registers them on registerer.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keycache",
				Name:      "lookups_total",
				Help:      "Total number of key lookups by result",
			},
			[]string{"result"},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keycache",
				Name:      "resolutions_total",
				Help:      "Total number of key set resolutions started by the cache",
			},
			[]string{"status"},
		),
		forcedRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keycache",
				Name:      "forced_refresh_total",
				Help:      "Total number of TTL-bypassing refreshes triggered by unknown key ids",
			},
			[]string{"result"},
		),
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "keycache",
				Name:      "entries",
				Help:      "Number of tenants with a cached key set",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.lookupsTotal, m.resolutionsTotal, m.forcedRefreshTotal, m.entries)
	}

	return m
}

func (m *Metrics) lookup(result string) {
	if m != nil {
		m.lookupsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) resolution(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.resolutionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) forced(result string) {
	if m != nil {
		m.forcedRefreshTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setEntries(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
