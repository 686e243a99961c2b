package jwt

import (
	"errors"
	"fmt"
)

// Sentinel errors for token verification.
var (
	// ErrMalformedToken indicates the token is not a compact JWS with a JSON payload.
	ErrMalformedToken = errors.New("token is malformed")

	// ErrMissingKid indicates the protected header carries no key id.
	ErrMissingKid = errors.New("token has no key id")

	// ErrUnsupportedAlgorithm indicates the header algorithm is absent, "none" or not allowed.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrInvalidSignature indicates the signature does not verify against the tenant key.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenExpired indicates the token's exp is in the past.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates the token's nbf is in the future.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrIssuerMismatch indicates iss differs from the tenant's issuer.
	ErrIssuerMismatch = errors.New("token issuer does not match tenant")

	// ErrAudienceMismatch indicates no aud value is accepted by the tenant.
	ErrAudienceMismatch = errors.New("token audience is not accepted")

	// ErrMissingClaim indicates a required claim is absent.
	ErrMissingClaim = errors.New("required claim is missing")

	// ErrUnknownTenant indicates no verification policy exists for the tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Token extraction errors.
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// ValidationError describes a verification failure for a tenant's token.
type ValidationError struct {
	Tenant string
	KeyID  string
	// Err is one of the sentinel errors above.
	Err   error
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := "tenant " + e.Tenant
	if e.KeyID != "" {
		msg += fmt.Sprintf(" kid %q", e.KeyID)
	}
	msg += ": " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the error's kind.
func (e *ValidationError) Is(target error) bool {
	return target == e.Err
}

func invalid(tenant, kid string, kind, cause error) *ValidationError {
	return &ValidationError{Tenant: tenant, KeyID: kid, Err: kind, Cause: cause}
}
