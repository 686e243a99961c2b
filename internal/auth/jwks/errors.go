package jwks

import (
	"errors"
	"fmt"
)

// Sentinel errors for key resolution.
var (
	// ErrResolutionFailed indicates a transport, status, timeout or breaker failure.
	ErrResolutionFailed = errors.New("key set resolution failed")

	// ErrMalformedKeySet indicates the document could not be parsed or
	// contained unusable keys.
	ErrMalformedKeySet = errors.New("key set is malformed")

	// ErrEmptyKeySet indicates the document contained no keys.
	ErrEmptyKeySet = errors.New("key set is empty")

	// ErrNoEndpoint indicates no key-distribution URL is configured for the tenant.
	ErrNoEndpoint = errors.New("no key-distribution endpoint for tenant")
)

// ResolveError carries the tenant and the kind of a resolution failure.
// Kind is one of the sentinel errors above; Cause holds diagnostics that
// are meant for logs only.
type ResolveError struct {
	Tenant string
	Kind   error
	Cause  error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tenant %s: %s: %s", e.Tenant, e.Kind.Error(), e.Cause.Error())
	}
	return fmt.Sprintf("tenant %s: %s", e.Tenant, e.Kind.Error())
}

// Unwrap returns the underlying cause.
func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the error's kind.
func (e *ResolveError) Is(target error) bool {
	return target == e.Kind
}

func newResolveError(tenant string, kind, cause error) *ResolveError {
	return &ResolveError{Tenant: tenant, Kind: kind, Cause: cause}
}
