// Package gateway assembles the edge gateway from configuration and serves
// it over HTTP.
//
// Every inbound request is attributed to a tenant, evaluated against the
// tenant's CORS policy, authenticated with a bearer token verified against
// the tenant's published keys, and forwarded to the upstream with trusted
// identity headers that replace anything the client sent under the same
// names. Preflight requests are answered by the gateway itself.
//
// Reload swaps tenant-scoped state (CORS policies, key endpoints, expected
// issuers and audiences) without restarting the listener.
package gateway
