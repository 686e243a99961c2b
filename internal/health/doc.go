// Package health provides liveness and readiness probe endpoints.
//
// Liveness reports that the process is serving. Readiness runs every
// registered check with a bounded timeout; a failing critical check makes
// the gateway unready (503), a failing non-critical check only degrades it.
//
//	checker := health.NewChecker(version)
//	checker.Register("shared_store", health.RedisCheck(client))
//	mux.Handle("/healthz", checker.LivenessHandler())
//	mux.Handle("/readyz", checker.ReadinessHandler())
package health
