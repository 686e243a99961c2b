package cors

import (
	"net/http"
	"strconv"
	"strings"
)

// Outcome is the tagged result of an evaluation.
type Outcome int

// Outcomes.
const (
	// NotApplicable means the request carried no Origin header.
	NotApplicable Outcome = iota
	Allow
	Deny
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "not_applicable"
	}
}

// DenyReason explains a Deny outcome.
type DenyReason string

// Deny reasons.
const (
	ReasonForbiddenOrigin DenyReason = "forbidden_origin"
	ReasonForbiddenMethod DenyReason = "forbidden_method"
	ReasonForbiddenHeader DenyReason = "forbidden_header"
)

// CORS response header names.
const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderMaxAge           = "Access-Control-Max-Age"
	HeaderRequestMethod    = "Access-Control-Request-Method"
	HeaderRequestHeaders   = "Access-Control-Request-Headers"
)

// Decision is the result of evaluating one request. AllowOrigin is only set
// on Allow and is always the concrete normalized request origin.
type Decision struct {
	Outcome          Outcome
	Reason           DenyReason
	Preflight        bool
	AllowOrigin      string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// Allowed reports whether the request may proceed past CORS evaluation.
func (d Decision) Allowed() bool {
	return d.Outcome != Deny
}

// Apply writes the response headers for the decision. Deny writes only
// Vary; NotApplicable writes nothing.
func (d Decision) Apply(h http.Header) {
	if d.Outcome == NotApplicable {
		return
	}
	addVary(h, "Origin")
	if d.Outcome != Allow || d.AllowOrigin == "" {
		return
	}

	h.Set(HeaderAllowOrigin, d.AllowOrigin)
	if d.AllowCredentials {
		h.Set(HeaderAllowCredentials, "true")
	}

	if !d.Preflight {
		if len(d.ExposeHeaders) > 0 {
			h.Set(HeaderExposeHeaders, strings.Join(d.ExposeHeaders, ", "))
		}
		return
	}

	if len(d.AllowMethods) > 0 {
		h.Set(HeaderAllowMethods, strings.Join(d.AllowMethods, ", "))
	}
	if len(d.AllowHeaders) > 0 {
		h.Set(HeaderAllowHeaders, strings.Join(d.AllowHeaders, ", "))
	}
	if d.MaxAge > 0 {
		h.Set(HeaderMaxAge, strconv.Itoa(d.MaxAge))
	}
}

func addVary(h http.Header, value string) {
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}
