package jwt

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token verification.
type Metrics struct {
	verifyTotal    *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
}

// NewMetrics creates verification metrics and registers them on
// registerer. A nil registerer leaves the collectors unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "edgegw"
	}

	m := &Metrics{
		verifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwt",
				Name:      "verifications_total",
				Help:      "Total number of token verifications by result and algorithm",
			},
			[]string{"result", "algorithm"},
		),
		verifyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jwt",
				Name:      "verification_duration_seconds",
				Help:      "Token verification duration in seconds, key lookup included",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"result"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.verifyTotal, m.verifyDuration)
	}

	return m
}

func (m *Metrics) record(err error, alg string, d time.Duration) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	if alg == "" {
		alg = "unknown"
	}
	m.verifyTotal.WithLabelValues(result, alg).Inc()
	m.verifyDuration.WithLabelValues(result).Observe(d.Seconds())
}

var resultLabels = []struct {
	err   error
	label string
}{
	{ErrUnknownTenant, "unknown_tenant"},
	{ErrMalformedToken, "malformed_token"},
	{ErrMissingKid, "missing_kid"},
	{ErrUnsupportedAlgorithm, "unsupported_algorithm"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrTokenExpired, "token_expired"},
	{ErrTokenNotYetValid, "token_not_yet_valid"},
	{ErrIssuerMismatch, "issuer_mismatch"},
	{ErrAudienceMismatch, "audience_mismatch"},
	{ErrMissingClaim, "missing_claim"},
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	for _, r := range resultLabels {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "key_error"
}
