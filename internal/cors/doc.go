// Package cors evaluates cross-origin requests against per-tenant and
// per-route origin allow-lists.
//
// Allow-lists hold exact origins ("https://app.example") or single-label
// subdomain wildcards ("https://*.t1.example"). There is no match-all entry:
// "*" and "null" are rejected when a policy is compiled, and an origin
// that matches nothing is denied with ReasonForbiddenOrigin.
//
// An allowed decision always echoes the concrete, normalized request
// origin in Access-Control-Allow-Origin.
package cors
