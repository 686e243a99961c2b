// Package jwt verifies tenant-scoped bearer tokens.
//
// A token must be a compact JWS with exactly one signature, a kid and an
// allowed alg in its protected header. The signing key comes from a
// KeyGetter, normally the tenant key cache, so a token can only be
// verified with keys published for the tenant it is presented to. After
// the signature checks out, exp (required), nbf, iss and optionally aud
// are validated against the tenant's Policy.
//
// Failures are *ValidationError values matching one sentinel error each.
// Key lookup failures are passed through unchanged.
package jwt
