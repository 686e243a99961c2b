package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/health"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// metricsServer serves metrics and health probes on a separate listener.
type metricsServer struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// newMetricsMux routes the metrics path and the probe endpoints.
func newMetricsMux(path string, metrics *observability.Metrics, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	return mux
}

// startMetricsServer binds addr and serves in the background.
func startMetricsServer(
	ctx context.Context,
	addr, path string,
	metrics *observability.Metrics,
	checker *health.Checker,
	logger observability.Logger,
) (*metricsServer, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &metricsServer{
		server: &http.Server{
			Handler:           newMetricsMux(path, metrics, checker),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
	}

	logger.Info("starting metrics server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", path),
	)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()

	return s, nil
}

// Addr returns the bound address.
func (s *metricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *metricsServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
