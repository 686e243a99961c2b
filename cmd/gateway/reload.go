package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	configReloadTotal       *prometheus.CounterVec
	configReloadDuration    prometheus.Histogram
	configReloadLastSuccess prometheus.Gauge
}

func newReloadMetrics(registerer prometheus.Registerer) *reloadMetrics {
	rm := &reloadMetrics{
		configReloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgegw",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		configReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "edgegw",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		configReloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "edgegw",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(rm.configReloadTotal, rm.configReloadDuration, rm.configReloadLastSuccess)
	}
	return rm
}

// startConfigWatcher watches path and applies every valid change.
func (a *application) startConfigWatcher(ctx context.Context, path string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, a.applyReload,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(err error) {
			a.reloadMetrics.configReloadTotal.WithLabelValues("failure").Inc()
			a.logger.Error("configuration reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// applyReload hands a freshly loaded configuration to the gateway.
func (a *application) applyReload(cfg *config.GatewayConfig) {
	start := time.Now()
	defer func() {
		a.reloadMetrics.configReloadDuration.Observe(time.Since(start).Seconds())
	}()

	if err := a.gateway.Reload(cfg); err != nil {
		a.reloadMetrics.configReloadTotal.WithLabelValues("failure").Inc()
		a.logger.Error("failed to apply configuration", observability.Error(err))
		return
	}

	a.reloadMetrics.configReloadTotal.WithLabelValues("success").Inc()
	a.reloadMetrics.configReloadLastSuccess.SetToCurrentTime()
}
