package cors

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T, opts ...EvaluatorOption) *Evaluator {
	t.Helper()

	dir, err := Compile(map[string]TenantConfig{
		"T1": {
			Default: &PolicyConfig{
				AllowOrigins:     []string{"https://app.t1.example"},
				AllowMethods:     []string{"GET", "POST"},
				AllowHeaders:     []string{"authorization", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID"},
				AllowCredentials: true,
				MaxAge:           600,
			},
			Routes: []RouteConfig{
				{
					PathPrefix: "/reports",
					Policy: PolicyConfig{
						AllowOrigins: []string{"https://*.reports.t1.example"},
						AllowMethods: []string{"GET"},
					},
				},
				{
					PathPrefix: "/reports/admin",
					Policy: PolicyConfig{
						AllowOrigins: []string{"https://admin.t1.example"},
						AllowMethods: []string{"GET"},
					},
				},
			},
		},
		"T2": {
			Routes: []RouteConfig{
				{
					PathPrefix: "/public",
					Policy:     PolicyConfig{AllowOrigins: []string{"https://app.t2.example"}},
				},
			},
		},
	})
	require.NoError(t, err)

	return NewEvaluator(dir, opts...)
}

func TestEvaluator_PreflightScenario(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	denied := e.Evaluate(Request{
		Origin:          "https://evil.example",
		Tenant:          "T1",
		Route:           "/orders",
		Preflight:       true,
		RequestedMethod: http.MethodPost,
	})
	assert.Equal(t, Deny, denied.Outcome)
	assert.Equal(t, ReasonForbiddenOrigin, denied.Reason)
	assert.Empty(t, denied.AllowOrigin)

	allowed := e.Evaluate(Request{
		Origin:          "https://app.t1.example",
		Tenant:          "T1",
		Route:           "/orders",
		Preflight:       true,
		RequestedMethod: http.MethodPost,
	})
	assert.Equal(t, Allow, allowed.Outcome)
	assert.Equal(t, "https://app.t1.example", allowed.AllowOrigin)
	assert.Equal(t, []string{"GET", "POST"}, allowed.AllowMethods)
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	tests := []struct {
		name       string
		req        Request
		wantOut    Outcome
		wantReason DenyReason
		wantOrigin string
	}{
		{
			name:    "no origin",
			req:     Request{Tenant: "T1", Route: "/orders"},
			wantOut: NotApplicable,
		},
		{
			name:       "actual request allowed",
			req:        Request{Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders"},
			wantOut:    Allow,
			wantOrigin: "https://app.t1.example",
		},
		{
			name:       "normalized echo",
			req:        Request{Origin: "HTTPS://APP.T1.EXAMPLE:443", Tenant: "T1", Route: "/orders"},
			wantOut:    Allow,
			wantOrigin: "https://app.t1.example",
		},
		{
			name:       "null origin",
			req:        Request{Origin: "null", Tenant: "T1", Route: "/orders"},
			wantOut:    Deny,
			wantReason: ReasonForbiddenOrigin,
		},
		{
			name:       "unknown tenant",
			req:        Request{Origin: "https://app.t1.example", Tenant: "T9", Route: "/orders"},
			wantOut:    Deny,
			wantReason: ReasonForbiddenOrigin,
		},
		{
			name:       "other tenant origin",
			req:        Request{Origin: "https://app.t2.example", Tenant: "T1", Route: "/orders"},
			wantOut:    Deny,
			wantReason: ReasonForbiddenOrigin,
		},
		{
			name:       "route overrides tenant policy",
			req:        Request{Origin: "https://app.t1.example", Tenant: "T1", Route: "/reports/q1"},
			wantOut:    Deny,
			wantReason: ReasonForbiddenOrigin,
		},
		{
			name:       "route wildcard",
			req:        Request{Origin: "https://eu.reports.t1.example", Tenant: "T1", Route: "/reports/q1"},
			wantOut:    Allow,
			wantOrigin: "https://eu.reports.t1.example",
		},
		{
			name:       "longest prefix wins",
			req:        Request{Origin: "https://admin.t1.example", Tenant: "T1", Route: "/reports/admin/users"},
			wantOut:    Allow,
			wantOrigin: "https://admin.t1.example",
		},
		{
			name:       "prefix matches whole segments",
			req:        Request{Origin: "https://app.t1.example", Tenant: "T1", Route: "/reportsx"},
			wantOut:    Allow,
			wantOrigin: "https://app.t1.example",
		},
		{
			name:       "tenant without default policy",
			req:        Request{Origin: "https://app.t2.example", Tenant: "T2", Route: "/private"},
			wantOut:    Deny,
			wantReason: ReasonForbiddenOrigin,
		},
		{
			name:       "tenant route policy",
			req:        Request{Origin: "https://app.t2.example", Tenant: "T2", Route: "/public/a"},
			wantOut:    Allow,
			wantOrigin: "https://app.t2.example",
		},
		{
			name: "preflight forbidden method",
			req: Request{
				Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders",
				Preflight: true, RequestedMethod: http.MethodDelete,
			},
			wantOut:    Deny,
			wantReason: ReasonForbiddenMethod,
		},
		{
			name: "preflight missing method",
			req: Request{
				Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders",
				Preflight: true,
			},
			wantOut:    Deny,
			wantReason: ReasonForbiddenMethod,
		},
		{
			name: "preflight forbidden header",
			req: Request{
				Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders",
				Preflight: true, RequestedMethod: http.MethodGet,
				RequestedHeaders: []string{"Authorization", "X-Debug"},
			},
			wantOut:    Deny,
			wantReason: ReasonForbiddenHeader,
		},
		{
			name: "preflight headers case-insensitive",
			req: Request{
				Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders",
				Preflight: true, RequestedMethod: "post",
				RequestedHeaders: []string{"AUTHORIZATION", "content-type"},
			},
			wantOut:    Allow,
			wantOrigin: "https://app.t1.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := e.Evaluate(tt.req)
			assert.Equal(t, tt.wantOut, d.Outcome)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantOrigin, d.AllowOrigin)
			assert.NotEqual(t, "*", d.AllowOrigin)
		})
	}
}

func TestEvaluator_Idempotent(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	reqs := []Request{
		{Origin: "https://app.t1.example", Tenant: "T1", Route: "/orders"},
		{Origin: "https://evil.example", Tenant: "T1", Route: "/orders"},
		{Origin: "https://eu.reports.t1.example", Tenant: "T1", Route: "/reports"},
	}

	for _, req := range reqs {
		assert.Equal(t, e.Evaluate(req), e.Evaluate(req))
	}
}

func TestEvaluator_DecisionDoesNotAliasPolicy(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	req := Request{
		Origin:          "https://app.t1.example",
		Tenant:          "T1",
		Route:           "/orders",
		Preflight:       true,
		RequestedMethod: http.MethodPost,
	}

	first := e.Evaluate(req)
	require.Equal(t, Allow, first.Outcome)
	first.AllowMethods[0] = "DELETE"
	first.AllowHeaders[0] = "X-Injected"
	first.ExposeHeaders[0] = "X-Leak"

	second := e.Evaluate(req)
	assert.Equal(t, []string{"GET", "POST"}, second.AllowMethods)
	assert.NotContains(t, second.AllowHeaders, "X-Injected")
	assert.Equal(t, []string{"X-Request-ID"}, second.ExposeHeaders)
}

func TestEvaluator_NeverEmitsWildcard(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	origins := []string{
		"*", "null", "https://*.t1.example", "https://app.t1.example",
		"https://x.reports.t1.example", "https://evil.example", "http://app.t1.example",
	}
	routes := []string{"/", "/orders", "/reports", "/reports/admin"}

	for _, origin := range origins {
		for _, route := range routes {
			for _, preflight := range []bool{false, true} {
				d := e.Evaluate(Request{
					Origin: origin, Tenant: "T1", Route: route,
					Preflight: preflight, RequestedMethod: http.MethodGet,
				})
				h := http.Header{}
				d.Apply(h)
				assert.NotEqual(t, "*", h.Get(HeaderAllowOrigin), "origin %q route %q", origin, route)
				if d.Outcome != Allow {
					assert.Empty(t, h.Get(HeaderAllowOrigin))
				}
			}
		}
	}
}

func TestEvaluator_Replace(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(nil)
	req := Request{Origin: "https://app.t3.example", Tenant: "T3", Route: "/"}
	assert.Equal(t, Deny, e.Evaluate(req).Outcome)

	dir, err := Compile(map[string]TenantConfig{
		"T3": {Default: &PolicyConfig{AllowOrigins: []string{"https://app.t3.example"}}},
	})
	require.NoError(t, err)
	e.Replace(dir)

	assert.Equal(t, Allow, e.Evaluate(req).Outcome)
}

func TestEvaluator_Metrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test", prometheus.NewRegistry())
	e := newTestEvaluator(t, WithMetrics(m))

	e.Evaluate(Request{Origin: "https://evil.example", Tenant: "T1", Route: "/"})
	e.Evaluate(Request{Origin: "https://app.t1.example", Tenant: "T1", Route: "/"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("deny", "forbidden_origin", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("allow", "", "false")))
}

func TestCompile_RejectsUnsafePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     PolicyConfig
		wantErr error
	}{
		{name: "match all", cfg: PolicyConfig{AllowOrigins: []string{"https://a.example", "*"}}, wantErr: ErrWildcardOrigin},
		{name: "null", cfg: PolicyConfig{AllowOrigins: []string{"null"}}, wantErr: ErrNullOrigin},
		{name: "empty", cfg: PolicyConfig{}, wantErr: ErrEmptyPolicy},
		{name: "wildcard header", cfg: PolicyConfig{AllowOrigins: []string{"https://a.example"}, AllowHeaders: []string{"*"}}, wantErr: ErrWildcardValue},
		{name: "wildcard method", cfg: PolicyConfig{AllowOrigins: []string{"https://a.example"}, AllowMethods: []string{"*"}}, wantErr: ErrWildcardValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := tt.cfg
			_, err := Compile(map[string]TenantConfig{"T1": {Default: &cfg}})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseRequestHeaders(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseRequestHeaders(""))
	assert.Equal(t, []string{"Authorization", "X-A"}, ParseRequestHeaders(" Authorization , X-A ,"))
}
