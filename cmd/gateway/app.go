package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/gateway"
	"github.com/vyrodovalexey/edgegw/internal/health"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// application holds all application components.
type application struct {
	config        *config.GatewayConfig
	gateway       *gateway.Gateway
	metrics       *observability.Metrics
	reloadMetrics *reloadMetrics
	healthChecker *health.Checker
	tracer        *observability.Tracer
	metricsServer *metricsServer
	watcher       *config.Watcher
	logger        observability.Logger
}

// initApplication builds the gateway and its supporting components.
func initApplication(cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	obs := cfg.Observability

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  obs.Tracing.ServiceName,
		OTLPEndpoint: obs.Tracing.OTLPEndpoint,
		SamplingRate: obs.Tracing.SamplingRate,
		Enabled:      obs.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	metrics := observability.NewMetrics("edgegw")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithRegisterer(metrics.Registry()),
		gateway.WithHTTPMetrics(metrics),
	}
	if obs.Tracing.Enabled {
		gwOpts = append(gwOpts, gateway.WithTracer(tracer))
	}

	gw, err := gateway.New(cfg, gwOpts...)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	checker := health.NewChecker(version,
		health.WithLogger(logger),
		health.WithMetrics(health.NewMetrics("edgegw", metrics.Registry())),
	)
	checker.Register("gateway", func(context.Context) error {
		if !gw.IsRunning() {
			return errors.New("gateway is " + gw.State().String())
		}
		return nil
	})
	if store := gw.SharedStore(); store != nil {
		checker.Register("shared_store", health.RedisCheck(store), health.NonCritical())
	}

	return &application{
		config:        cfg,
		gateway:       gw,
		metrics:       metrics,
		reloadMetrics: newReloadMetrics(metrics.Registry()),
		healthChecker: checker,
		tracer:        tracer,
		logger:        logger,
	}, nil
}

// start starts the gateway, the metrics listener and, when watchPath is
// set, the configuration watcher.
func (a *application) start(ctx context.Context, watchPath string) error {
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if m := a.config.Observability.Metrics; m.Enabled {
		srv, err := startMetricsServer(ctx, m.Address, m.Path, a.metrics, a.healthChecker, a.logger)
		if err != nil {
			return err
		}
		a.metricsServer = srv
	}

	if watchPath != "" {
		w, err := a.startConfigWatcher(ctx, watchPath)
		if err != nil {
			return err
		}
		a.watcher = w
	}

	return nil
}
