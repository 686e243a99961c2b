package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/auth"
	"github.com/vyrodovalexey/edgegw/internal/auth/authtest"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwks"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/auth/keycache"
	"github.com/vyrodovalexey/edgegw/internal/cors"
)

const (
	issuerBase = "https://auth.example"
	appOrigin  = "https://app.t1.example"
)

type clock struct {
	ns atomic.Int64
}

func newClock() *clock {
	c := &clock{}
	c.ns.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return c
}

func (c *clock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type resolver struct {
	clock *clock

	mu    sync.Mutex
	docs  map[string][]byte
	err   error
	calls int
}

func (r *resolver) Fetch(_ context.Context, tenantID string) (*jwks.KeySet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	doc, ok := r.docs[tenantID]
	if !ok {
		return nil, jwks.ErrResolutionFailed
	}
	return jwks.ParseKeySet(tenantID, doc, r.clock.Now())
}

func (r *resolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// countingVerifier records whether verification was attempted.
type countingVerifier struct {
	inner TokenVerifier
	calls atomic.Int32
}

func (v *countingVerifier) Verify(ctx context.Context, tenantID, token string) (*jwt.VerifiedIdentity, error) {
	v.calls.Add(1)
	return v.inner.Verify(ctx, tenantID, token)
}

type fixture struct {
	clock    *clock
	resolver *resolver
	verifier *countingVerifier
	pipeline *Pipeline
	t1Key    *authtest.Key
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clk := newClock()
	t1Key := authtest.NewES256Key(t, "t1-2024")
	res := &resolver{clock: clk, docs: map[string][]byte{"T1": authtest.PublicJWKS(t, t1Key)}}

	dir, err := cors.Compile(map[string]cors.TenantConfig{
		"T1": {Default: &cors.PolicyConfig{
			AllowOrigins:     []string{appOrigin},
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           600,
		}},
		"T2": {Default: &cors.PolicyConfig{AllowOrigins: []string{"https://app.t2.example"}}},
	})
	require.NoError(t, err)

	cache := keycache.New(res, keycache.WithClock(clk.Now))
	verifier := &countingVerifier{inner: jwt.NewVerifier(cache,
		jwt.NewStaticPolicies(issuerBase, map[string]jwt.Policy{"T1": {}, "T2": {}}),
		jwt.WithClock(clk.Now),
	)}

	return &fixture{
		clock:    clk,
		resolver: res,
		verifier: verifier,
		pipeline: New(cors.NewEvaluator(dir), verifier, auth.NewPropagator(auth.DefaultHeaderNames()), opts...),
		t1Key:    t1Key,
	}
}

func (f *fixture) token(t *testing.T, key *authtest.Key, tenant string) string {
	t.Helper()
	return key.Sign(t, authtest.StandardClaims(jwt.DefaultIssuer(issuerBase, tenant), "user-1", f.clock.Now()))
}

type recordingForwarder struct {
	calls atomic.Int32
	last  atomic.Pointer[Result]
}

func (r *recordingForwarder) Forward(_ context.Context, res *Result) {
	r.calls.Add(1)
	r.last.Store(res)
}

func TestPipeline_PreflightScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fwd := &recordingForwarder{}

	preflight := func(origin string) Request {
		return Request{
			Method:          http.MethodOptions,
			Origin:          origin,
			TenantHint:      "T1",
			Route:           "/orders",
			Preflight:       true,
			RequestedMethod: http.MethodPost,
		}
	}

	denied := f.pipeline.Run(context.Background(), preflight("https://evil.example"), fwd)
	require.True(t, denied.Rejected())
	assert.Equal(t, ReasonForbiddenOrigin, denied.Rejection.Reason)
	assert.Equal(t, http.StatusForbidden, denied.Rejection.HTTPStatus())
	assert.Empty(t, denied.CORS.AllowOrigin)

	allowed := f.pipeline.Run(context.Background(), preflight(appOrigin), fwd)
	assert.Equal(t, StateCorsChecked, allowed.State)
	assert.Nil(t, allowed.Rejection)
	assert.Equal(t, appOrigin, allowed.CORS.AllowOrigin)
	assert.Equal(t, []string{"GET", "POST"}, allowed.CORS.AllowMethods)

	assert.Zero(t, f.verifier.calls.Load())
	assert.Zero(t, fwd.calls.Load())
}

func TestPipeline_ForwardsWithTrustedHeaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fwd := &recordingForwarder{}

	outbound := http.Header{}
	outbound.Set(auth.HeaderKeyID, "spoofed-kid")
	outbound.Set(auth.HeaderIssuer, "https://evil.example")
	outbound.Set(auth.HeaderTenant, "T2")

	res := f.pipeline.Run(context.Background(), Request{
		Method:        http.MethodGet,
		Origin:        appOrigin,
		Authorization: "Bearer " + f.token(t, f.t1Key, "T1"),
		TenantHint:    "T1",
		Route:         "/orders",
		Header:        outbound,
	}, fwd)

	require.Nil(t, res.Rejection)
	assert.Equal(t, StateForwarded, res.State)
	assert.Equal(t, int32(1), fwd.calls.Load())
	assert.Same(t, res, fwd.last.Load())

	assert.Equal(t, cors.Allow, res.CORS.Outcome)
	assert.Equal(t, "t1-2024", res.Identity.KeyID)
	assert.Equal(t, []string{"t1-2024"}, outbound.Values(auth.HeaderKeyID))
	assert.Equal(t, []string{"https://auth.example/t/T1"}, outbound.Values(auth.HeaderIssuer))
	assert.Equal(t, []string{"T1"}, outbound.Values(auth.HeaderTenant))
	assert.Equal(t, "user-1", outbound.Get(auth.HeaderSubject))
}

func TestPipeline_SameOriginSkipsCORS(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	res := f.pipeline.Run(context.Background(), Request{
		Method:        http.MethodGet,
		Authorization: "Bearer " + f.token(t, f.t1Key, "T1"),
		TenantHint:    "T1",
		Route:         "/orders",
	}, nil)

	assert.Equal(t, StatePropagated, res.State)
	assert.Equal(t, cors.NotApplicable, res.CORS.Outcome)
	assert.Equal(t, "t1-2024", res.Trusted.Get(auth.HeaderKeyID))
}

func TestPipeline_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	valid := f.token(t, f.t1Key, "T1")
	expired := f.t1Key.Sign(t, authtest.Claims{
		"iss": jwt.DefaultIssuer(issuerBase, "T1"),
		"exp": f.clock.Now().Add(-time.Hour).Unix(),
	})
	foreign := authtest.NewES256Key(t, "t1-2024")

	tests := []struct {
		name         string
		req          Request
		wantReason   Reason
		wantStatus   int
		wantVerified bool
	}{
		{
			name:       "origin not allowed",
			req:        Request{Origin: "https://evil.example", Authorization: "Bearer " + valid, TenantHint: "T1"},
			wantReason: ReasonForbiddenOrigin,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "origin of another tenant",
			req:        Request{Origin: "https://app.t2.example", Authorization: "Bearer " + valid, TenantHint: "T1"},
			wantReason: ReasonForbiddenOrigin,
			wantStatus: http.StatusForbidden,
		},
		{
			name: "preflight method not allowed",
			req: Request{
				Origin: appOrigin, TenantHint: "T1", Preflight: true, RequestedMethod: http.MethodDelete,
			},
			wantReason: ReasonForbiddenMethod,
			wantStatus: http.StatusForbidden,
		},
		{
			name: "preflight header not allowed",
			req: Request{
				Origin: appOrigin, TenantHint: "T1", Preflight: true,
				RequestedMethod: http.MethodGet, RequestedHeaders: []string{"X-Debug"},
			},
			wantReason: ReasonForbiddenHeader,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no tenant",
			req:        Request{Authorization: "Bearer " + valid},
			wantReason: ReasonUnknownTenant,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:         "tenant not configured",
			req:          Request{Authorization: "Bearer " + valid, TenantHint: "T9"},
			wantReason:   ReasonUnknownTenant,
			wantStatus:   http.StatusUnauthorized,
			wantVerified: true,
		},
		{
			name:       "no authorization",
			req:        Request{TenantHint: "T1"},
			wantReason: ReasonMissingToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic authorization",
			req:        Request{TenantHint: "T1", Authorization: "Basic dXNlcjpwYXNz"},
			wantReason: ReasonMissingToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:         "malformed",
			req:          Request{TenantHint: "T1", Authorization: "Bearer abc"},
			wantReason:   ReasonMalformedToken,
			wantStatus:   http.StatusUnauthorized,
			wantVerified: true,
		},
		{
			name:         "expired",
			req:          Request{TenantHint: "T1", Authorization: "Bearer " + expired},
			wantReason:   ReasonTokenExpired,
			wantStatus:   http.StatusUnauthorized,
			wantVerified: true,
		},
		{
			name:         "forged with published kid",
			req:          Request{TenantHint: "T1", Authorization: "Bearer " + f.token(t, foreign, "T1")},
			wantReason:   ReasonInvalidSignature,
			wantStatus:   http.StatusUnauthorized,
			wantVerified: true,
		},
		{
			name:         "token of T1 presented to T2",
			req:          Request{TenantHint: "T2", Authorization: "Bearer " + valid},
			wantReason:   ReasonKeyUnavailable,
			wantStatus:   http.StatusServiceUnavailable,
			wantVerified: true,
		},
	}

	// Subtests share the fixture and run sequentially so the verifier call
	// count is exact.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &recordingForwarder{}
			before := f.verifier.calls.Load()

			res := f.pipeline.Run(context.Background(), tt.req, fwd)

			require.True(t, res.Rejected())
			assert.Equal(t, tt.wantReason, res.Rejection.Reason)
			assert.Equal(t, tt.wantStatus, res.Rejection.HTTPStatus())
			assert.Nil(t, res.Identity)
			assert.Nil(t, res.Trusted)
			assert.Zero(t, fwd.calls.Load())

			verified := f.verifier.calls.Load() - before
			if tt.wantVerified {
				assert.Equal(t, int32(1), verified)
			} else {
				assert.Zero(t, verified)
			}
		})
	}
}

func TestPipeline_UnknownKid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rotated := authtest.NewES256Key(t, "t1-2025")

	res := f.pipeline.Run(context.Background(), Request{
		TenantHint:    "T1",
		Authorization: "Bearer " + f.token(t, rotated, "T1"),
	}, nil)

	require.True(t, res.Rejected())
	assert.Equal(t, ReasonUnknownKid, res.Rejection.Reason)
	assert.Equal(t, http.StatusUnauthorized, res.Rejection.HTTPStatus())
}

func TestPipeline_KeyUnavailableHidesDiagnostics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.mu.Lock()
	f.resolver.err = errors.New("dial tcp 10.0.0.7:443: connection refused")
	f.resolver.mu.Unlock()

	res := f.pipeline.Run(context.Background(), Request{
		TenantHint:    "T1",
		Authorization: "Bearer " + f.token(t, f.t1Key, "T1"),
	}, nil)

	require.True(t, res.Rejected())
	assert.Equal(t, ReasonKeyUnavailable, res.Rejection.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, res.Rejection.HTTPStatus())
	assert.ErrorContains(t, res.Rejection.Err, "connection refused")
	assert.NotContains(t, string(res.Rejection.Reason), "connection")
}

// blockingVerifier waits for its context like a verifier stuck on a slow
// key resolution.
type blockingVerifier struct{}

func (blockingVerifier) Verify(ctx context.Context, _, _ string) (*jwt.VerifiedIdentity, error) {
	<-ctx.Done()
	return nil, &keycache.KeyError{Tenant: "T1", Err: keycache.ErrKeyUnavailable, Cause: ctx.Err()}
}

func TestPipeline_VerificationTimeout(t *testing.T) {
	t.Parallel()

	dir, err := cors.Compile(nil)
	require.NoError(t, err)

	p := New(cors.NewEvaluator(dir), blockingVerifier{}, auth.NewPropagator(auth.DefaultHeaderNames()),
		WithVerificationTimeout(20*time.Millisecond),
	)

	start := time.Now()
	res := p.Run(context.Background(), Request{TenantHint: "T1", Authorization: "Bearer a.b.c"}, nil)

	require.True(t, res.Rejected())
	assert.Equal(t, ReasonTimeout, res.Rejection.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, res.Rejection.HTTPStatus())
	assert.ErrorIs(t, res.Rejection, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPipeline_CallerCancelled(t *testing.T) {
	t.Parallel()

	dir, err := cors.Compile(nil)
	require.NoError(t, err)
	p := New(cors.NewEvaluator(dir), blockingVerifier{}, auth.NewPropagator(auth.DefaultHeaderNames()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Run(ctx, Request{TenantHint: "T1", Authorization: "Bearer a.b.c"}, nil)

	require.True(t, res.Rejected())
	assert.Equal(t, ReasonTimeout, res.Rejection.Reason)
}

func TestPipeline_SlowKeyEndpointIsKeyUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	key := authtest.NewES256Key(t, "t1-2024")
	resolver := jwks.NewHTTPResolver(jwks.NewStaticDirectory(srv.URL, nil),
		jwks.WithResolutionTimeout(50*time.Millisecond),
	)
	verifier := jwt.NewVerifier(keycache.New(resolver),
		jwt.NewStaticPolicies(issuerBase, map[string]jwt.Policy{"T1": {}}),
	)

	dir, err := cors.Compile(nil)
	require.NoError(t, err)
	p := New(cors.NewEvaluator(dir), verifier, auth.NewPropagator(auth.DefaultHeaderNames()),
		WithVerificationTimeout(5*time.Second),
	)

	token := key.Sign(t, authtest.StandardClaims(jwt.DefaultIssuer(issuerBase, "T1"), "user-1", time.Now()))
	res := p.Run(context.Background(), Request{
		Method:        http.MethodGet,
		Authorization: "Bearer " + token,
		TenantHint:    "T1",
		Route:         "/orders",
	}, nil)

	require.True(t, res.Rejected())
	assert.Equal(t, ReasonKeyUnavailable, res.Rejection.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, res.Rejection.HTTPStatus())
	assert.ErrorIs(t, res.Rejection, jwks.ErrResolutionFailed)
}

func TestPipeline_SecondKeyOfFreshSet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := authtest.NewES256Key(t, "t2-a")
	second := authtest.NewEdDSAKey(t, "t2-b")
	f.resolver.mu.Lock()
	f.resolver.docs["T2"] = authtest.PublicJWKS(t, first, second)
	f.resolver.mu.Unlock()

	run := func(key *authtest.Key) *Result {
		return f.pipeline.Run(context.Background(), Request{
			TenantHint:    "T2",
			Authorization: "Bearer " + f.token(t, key, "T2"),
		}, nil)
	}

	res := run(second)
	require.Nil(t, res.Rejection)
	assert.Equal(t, "t2-b", res.Identity.KeyID)
	assert.Equal(t, 1, f.resolver.count())

	f.clock.Advance(299 * time.Second)
	require.Nil(t, run(first).Rejection)
	require.Nil(t, run(second).Rejection)
	assert.Equal(t, 1, f.resolver.count())

	f.clock.Advance(2 * time.Second)
	require.Nil(t, run(second).Rejection)
	assert.Equal(t, 2, f.resolver.count())
}

func TestPipeline_Metrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test", prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(m))

	f.pipeline.Run(context.Background(), Request{TenantHint: "T1", Authorization: "Bearer " + f.token(t, f.t1Key, "T1")}, nil)
	f.pipeline.Run(context.Background(), Request{TenantHint: "T1", Authorization: "Bearer " + f.token(t, f.t1Key, "T1")},
		ForwarderFunc(func(context.Context, *Result) {}))
	f.pipeline.Run(context.Background(), Request{TenantHint: "T1"}, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("propagated", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("forwarded", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("rejected", "missing_token")))
}

func TestRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason Reason
		status int
		cors   bool
	}{
		{ReasonForbiddenOrigin, http.StatusForbidden, true},
		{ReasonForbiddenMethod, http.StatusForbidden, true},
		{ReasonForbiddenHeader, http.StatusForbidden, true},
		{ReasonKeyUnavailable, http.StatusServiceUnavailable, false},
		{ReasonTimeout, http.StatusServiceUnavailable, false},
		{ReasonUnknownKid, http.StatusUnauthorized, false},
		{ReasonMissingKid, http.StatusUnauthorized, false},
		{ReasonInvalidSignature, http.StatusUnauthorized, false},
		{ReasonTokenExpired, http.StatusUnauthorized, false},
		{ReasonIssuerMismatch, http.StatusUnauthorized, false},
		{ReasonUnknownTenant, http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			t.Parallel()

			r := &Rejection{Reason: tt.reason}
			assert.Equal(t, tt.status, r.HTTPStatus())
			assert.Equal(t, tt.cors, r.IsCORS())
			assert.Equal(t, "rejected: "+string(tt.reason), r.Error())
		})
	}

	wrapped := &Rejection{Reason: ReasonMissingKid, Err: jwt.ErrMissingKid}
	assert.ErrorIs(t, wrapped, jwt.ErrMissingKid)
	assert.Equal(t, "rejected: missing_kid: token has no key id", wrapped.Error())
}

func TestVerificationReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Reason
	}{
		{&jwt.ValidationError{Err: jwt.ErrTokenNotYetValid}, ReasonTokenNotYetValid},
		{&jwt.ValidationError{Err: jwt.ErrAudienceMismatch}, ReasonAudienceMismatch},
		{&jwt.ValidationError{Err: jwt.ErrMissingClaim}, ReasonMissingClaim},
		{&jwt.ValidationError{Err: jwt.ErrUnsupportedAlgorithm}, ReasonUnsupportedAlgorithm},
		{&keycache.KeyError{Err: keycache.ErrUnknownKid}, ReasonUnknownKid},
		{&keycache.KeyError{Err: keycache.ErrKeyUnavailable, Cause: context.DeadlineExceeded}, ReasonKeyUnavailable},
		{errors.New("unexpected"), ReasonKeyUnavailable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, verificationReason(tt.err), tt.err.Error())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "start", StateStart.String())
	assert.Equal(t, "cors_checked", StateCorsChecked.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "propagated", StatePropagated.String())
	assert.Equal(t, "forwarded", StateForwarded.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}
