package pipeline

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/auth"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/cors"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/tenant"
)

// DefaultVerificationTimeout bounds the authentication step of one request.
const DefaultVerificationTimeout = 10 * time.Second

var tracer = otel.Tracer("edgegw/pipeline")

// State is a pipeline state.
type State int

// Pipeline states. Rejected is terminal and reachable from every other state.
const (
	StateStart State = iota
	StateCorsChecked
	StateAuthenticated
	StatePropagated
	StateForwarded
	StateRejected
)

var stateNames = [...]string{
	StateStart:         "start",
	StateCorsChecked:   "cors_checked",
	StateAuthenticated: "authenticated",
	StatePropagated:    "propagated",
	StateForwarded:     "forwarded",
	StateRejected:      "rejected",
}

// String returns the state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Request is one inbound call as seen by the pipeline.
type Request struct {
	Method string
	// Origin is the Origin header value; empty for same-origin calls.
	Origin string
	// Authorization is the raw Authorization header value.
	Authorization string
	TenantHint    string
	// Route is the request path used for route policy selection.
	Route            string
	Preflight        bool
	RequestedMethod  string
	RequestedHeaders []string
	// Header is the outbound header set; trusted identity headers are
	// applied to it in place. May be nil.
	Header http.Header
}

// Result is the outcome of a run.
type Result struct {
	State     State
	CORS      cors.Decision
	Identity  *jwt.VerifiedIdentity
	Trusted   http.Header
	Rejection *Rejection
}

// Rejected reports whether the run ended in StateRejected.
func (r *Result) Rejected() bool {
	return r.State == StateRejected
}

func (r *Result) reject(reason Reason, err error) *Result {
	r.State = StateRejected
	r.Rejection = &Rejection{Reason: reason, Err: err}
	return r
}

// PolicyEvaluator decides cross-origin access.
type PolicyEvaluator interface {
	Evaluate(req cors.Request) cors.Decision
}

// TokenVerifier verifies a bearer token for a tenant.
type TokenVerifier interface {
	Verify(ctx context.Context, tenantID, token string) (*jwt.VerifiedIdentity, error)
}

// Forwarder hands an authenticated request to the routing layer.
type Forwarder interface {
	Forward(ctx context.Context, res *Result)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, res *Result)

// Forward implements Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, res *Result) {
	f(ctx, res)
}

// Pipeline runs CORS evaluation, token verification and identity
// propagation in order, stopping at the first failure.
type Pipeline struct {
	cors          PolicyEvaluator
	verifier      TokenVerifier
	propagator    *auth.Propagator
	verifyTimeout time.Duration
	logger        observability.Logger
	metrics       *Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVerificationTimeout bounds token verification, key lookup included.
func WithVerificationTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.verifyTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a pipeline.
func New(evaluator PolicyEvaluator, verifier TokenVerifier, propagator *auth.Propagator, opts ...Option) *Pipeline {
	p := &Pipeline{
		cors:          evaluator,
		verifier:      verifier,
		propagator:    propagator,
		verifyTimeout: DefaultVerificationTimeout,
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes req. A preflight stops at StateCorsChecked. Otherwise an
// accepted request is passed to fwd, if non-nil, and ends in
// StateForwarded. Rejections never reach fwd.
func (p *Pipeline) Run(ctx context.Context, req Request, fwd Forwarder) *Result {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantHint),
			attribute.Bool("cors.preflight", req.Preflight),
		),
	)
	defer span.End()

	res := p.run(ctx, req)
	elapsed := time.Since(start)

	if res.Rejected() {
		span.SetStatus(codes.Error, string(res.Rejection.Reason))
		p.logger.WithContext(ctx).Info("request rejected",
			observability.String("tenant", req.TenantHint),
			observability.String("route", req.Route),
			observability.String("reason", string(res.Rejection.Reason)),
			observability.Error(res.Rejection.Err),
		)
	} else if res.State == StatePropagated && fwd != nil {
		fwd.Forward(ctx, res)
		res.State = StateForwarded
	}

	span.SetAttributes(attribute.String("pipeline.state", res.State.String()))
	p.metrics.record(res, elapsed)
	return res
}

func (p *Pipeline) run(ctx context.Context, req Request) *Result {
	res := &Result{State: StateStart}

	res.CORS = p.cors.Evaluate(cors.Request{
		Origin:           req.Origin,
		Tenant:           req.TenantHint,
		Route:            req.Route,
		Preflight:        req.Preflight,
		RequestedMethod:  req.RequestedMethod,
		RequestedHeaders: req.RequestedHeaders,
	})
	if !res.CORS.Allowed() {
		return res.reject(corsReason(res.CORS.Reason), nil)
	}
	res.State = StateCorsChecked

	if req.Preflight {
		return res
	}

	if err := tenant.Validate(req.TenantHint); err != nil {
		return res.reject(ReasonUnknownTenant, err)
	}

	token, err := jwt.ExtractBearer(req.Authorization)
	if err != nil {
		return res.reject(ReasonMissingToken, err)
	}

	vctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	defer cancel()

	id, err := p.verifier.Verify(vctx, req.TenantHint, token)
	if vctx.Err() != nil {
		if err == nil {
			err = vctx.Err()
		}
		return res.reject(ReasonTimeout, err)
	}
	if err != nil {
		return res.reject(verificationReason(err), err)
	}
	res.Identity = id
	res.State = StateAuthenticated

	res.Trusted = p.propagator.Propagate(id)
	if req.Header != nil {
		p.propagator.Apply(req.Header, res.Trusted)
	}
	res.State = StatePropagated

	return res
}
