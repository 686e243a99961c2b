package pipeline

import (
	"errors"
	"net/http"

	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/auth/keycache"
	"github.com/vyrodovalexey/edgegw/internal/cors"
)

// Reason is the machine-readable cause of a rejection.
type Reason string

// Rejection reasons.
const (
	ReasonForbiddenOrigin      Reason = "forbidden_origin"
	ReasonForbiddenMethod      Reason = "forbidden_method"
	ReasonForbiddenHeader      Reason = "forbidden_header"
	ReasonUnknownTenant        Reason = "unknown_tenant"
	ReasonMissingToken         Reason = "missing_token"
	ReasonMalformedToken       Reason = "malformed_token"
	ReasonMissingKid           Reason = "missing_kid"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	ReasonInvalidSignature     Reason = "invalid_signature"
	ReasonTokenExpired         Reason = "token_expired"
	ReasonTokenNotYetValid     Reason = "token_not_yet_valid"
	ReasonIssuerMismatch       Reason = "issuer_mismatch"
	ReasonAudienceMismatch     Reason = "audience_mismatch"
	ReasonMissingClaim         Reason = "missing_claim"
	ReasonKeyUnavailable       Reason = "key_unavailable"
	ReasonUnknownKid           Reason = "unknown_kid"
	ReasonTimeout              Reason = "timeout"
)

// Rejection is the single terminal failure value of a pipeline run. Err
// carries internal diagnostics for logs and must not be shown to clients.
type Rejection struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Err != nil {
		return "rejected: " + string(r.Reason) + ": " + r.Err.Error()
	}
	return "rejected: " + string(r.Reason)
}

// Unwrap returns the underlying error.
func (r *Rejection) Unwrap() error {
	return r.Err
}

// IsCORS reports whether the rejection is a cross-origin policy denial.
func (r *Rejection) IsCORS() bool {
	switch r.Reason {
	case ReasonForbiddenOrigin, ReasonForbiddenMethod, ReasonForbiddenHeader:
		return true
	}
	return false
}

// HTTPStatus maps the reason to a response status code.
func (r *Rejection) HTTPStatus() int {
	switch {
	case r.IsCORS():
		return http.StatusForbidden
	case r.Reason == ReasonKeyUnavailable, r.Reason == ReasonTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func corsReason(r cors.DenyReason) Reason {
	switch r {
	case cors.ReasonForbiddenMethod:
		return ReasonForbiddenMethod
	case cors.ReasonForbiddenHeader:
		return ReasonForbiddenHeader
	default:
		return ReasonForbiddenOrigin
	}
}

var verifierReasons = []struct {
	err    error
	reason Reason
}{
	{jwt.ErrUnknownTenant, ReasonUnknownTenant},
	{jwt.ErrMalformedToken, ReasonMalformedToken},
	{jwt.ErrMissingKid, ReasonMissingKid},
	{jwt.ErrUnsupportedAlgorithm, ReasonUnsupportedAlgorithm},
	{jwt.ErrInvalidSignature, ReasonInvalidSignature},
	{jwt.ErrTokenExpired, ReasonTokenExpired},
	{jwt.ErrTokenNotYetValid, ReasonTokenNotYetValid},
	{jwt.ErrIssuerMismatch, ReasonIssuerMismatch},
	{jwt.ErrAudienceMismatch, ReasonAudienceMismatch},
	{jwt.ErrMissingClaim, ReasonMissingClaim},
	{keycache.ErrUnknownKid, ReasonUnknownKid},
	{keycache.ErrKeyUnavailable, ReasonKeyUnavailable},
}

// verificationReason classifies a verifier error by its sentinel. Deadlines
// hit inside key resolution stay key_unavailable; only the pipeline's own
// verification deadline yields ReasonTimeout, and run decides that.
func verificationReason(err error) Reason {
	for _, v := range verifierReasons {
		if errors.Is(err, v.err) {
			return v.reason
		}
	}
	return ReasonKeyUnavailable
}
