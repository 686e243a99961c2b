// Package observability provides logging, metrics, and tracing
// functionality for the edge gateway.
//
// Structured logging is backed by zap, metrics by Prometheus and
// distributed tracing by OpenTelemetry with OTLP export.
//
// # Logging
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request rejected",
//	    observability.String("tenant", "T1"),
//	    observability.String("reason", "forbidden_origin"),
//	)
//
// # Metrics
//
// The gateway registry is shared by every subsystem so that a single
// /metrics endpoint exposes key cache, verifier and pipeline metrics:
//
//	metrics := observability.NewMetrics("edgegw")
//	jwksMetrics := jwks.NewMetrics("edgegw", metrics.Registry())
//
// # Tracing
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName:  "edgegw",
//	    OTLPEndpoint: "otel-collector:4317",
//	    Enabled:      true,
//	})
//	defer tracer.Shutdown(ctx)
package observability
