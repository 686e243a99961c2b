package cors

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Request is the CORS-relevant view of an inbound request.
type Request struct {
	// Origin is the raw Origin header value; empty when absent.
	Origin string
	Tenant string
	// Route is the request path used to select a route policy.
	Route     string
	Preflight bool
	// RequestedMethod and RequestedHeaders come from the preflight's
	// Access-Control-Request-* headers.
	RequestedMethod  string
	RequestedHeaders []string
}

// Evaluator decides whether a cross-origin request is permitted. It is safe
// for concurrent use; the policy directory can be replaced at runtime.
type Evaluator struct {
	directory atomic.Pointer[Directory]
	logger    observability.Logger
	metrics   *Metrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// NewEvaluator creates an Evaluator over d. A nil directory denies every
// cross-origin request.
func NewEvaluator(d *Directory, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	e.directory.Store(d)
	return e
}

// Replace swaps the policy directory. In-flight evaluations finish against
// the directory they started with.
func (e *Evaluator) Replace(d *Directory) {
	e.directory.Store(d)
}

// Evaluate returns the decision for req. It is a pure function of req and
// the current directory.
func (e *Evaluator) Evaluate(req Request) Decision {
	d := e.evaluate(req)
	e.metrics.record(d)
	if d.Outcome == Deny {
		e.logger.Debug("cross-origin request denied",
			observability.String("tenant", req.Tenant),
			observability.String("origin", req.Origin),
			observability.String("route", req.Route),
			observability.String("reason", string(d.Reason)),
		)
	}
	return d
}

func (e *Evaluator) evaluate(req Request) Decision {
	if req.Origin == "" {
		return Decision{Outcome: NotApplicable, Preflight: req.Preflight}
	}

	deny := func(reason DenyReason) Decision {
		return Decision{Outcome: Deny, Reason: reason, Preflight: req.Preflight}
	}

	origin, err := ParseOrigin(req.Origin)
	if err != nil {
		return deny(ReasonForbiddenOrigin)
	}

	policy, ok := e.directory.Load().Lookup(req.Tenant, req.Route)
	if !ok || !policy.AllowsOrigin(origin) {
		return deny(ReasonForbiddenOrigin)
	}

	if req.Preflight {
		if req.RequestedMethod == "" || !policy.AllowsMethod(req.RequestedMethod) {
			return deny(ReasonForbiddenMethod)
		}
		for _, h := range req.RequestedHeaders {
			if !policy.AllowsHeader(h) {
				return deny(ReasonForbiddenHeader)
			}
		}
	}

	return Decision{
		Outcome:          Allow,
		Preflight:        req.Preflight,
		AllowOrigin:      origin.String(),
		AllowMethods:     slices.Clone(policy.allowMethods),
		AllowHeaders:     slices.Clone(policy.allowHeaders),
		ExposeHeaders:    slices.Clone(policy.exposeHeaders),
		AllowCredentials: policy.allowCredentials,
		MaxAge:           policy.maxAge,
	}
}

// ParseRequestHeaders splits an Access-Control-Request-Headers value.
func ParseRequestHeaders(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
