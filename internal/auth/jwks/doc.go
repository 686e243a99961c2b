// Package jwks resolves tenant public key sets from a key-distribution
// endpoint.
//
// HTTPResolver fetches GET <base>/.well-known/jwks.json?tenant_id=<tenant>,
// bounded by a resolution timeout and optionally guarded by a circuit
// breaker per tenant. SharedStoreResolver decorates any Resolver with a
// Redis store so replicas reuse each other's fetches without extending the
// freshness window.
//
// Failures are returned as *ResolveError values that match one of
// ErrResolutionFailed, ErrMalformedKeySet or ErrEmptyKeySet with errors.Is.
package jwks
