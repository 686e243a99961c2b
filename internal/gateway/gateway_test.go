package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/auth/authtest"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

const (
	originT1 = "https://app.t1.example"
	originT2 = "https://app.t2.example"
)

// keyServer publishes one key set document per tenant and counts fetches.
type keyServer struct {
	*httptest.Server
	mu      sync.Mutex
	docs    map[string][]byte
	fetches map[string]int
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	ks := &keyServer{docs: make(map[string][]byte), fetches: make(map[string]int)}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		tenantID := r.URL.Query().Get("tenant_id")

		ks.mu.Lock()
		ks.fetches[tenantID]++
		doc, ok := ks.docs[tenantID]
		ks.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) publish(tenantID string, doc []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.docs[tenantID] = doc
}

func (ks *keyServer) count(tenantID string) int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.fetches[tenantID]
}

type echoed struct {
	Path   string      `json:"path"`
	Header http.Header `json:"header"`
}

// echoUpstream reflects the received path and headers and sets a permissive
// CORS header the gateway must strip.
func echoUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_ = json.NewEncoder(w).Encode(echoed{Path: r.URL.Path, Header: r.Header})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	gw       *Gateway
	keys     *keyServer
	upstream *httptest.Server
	hits     *atomic.Int32
	signer   *authtest.Key
	now      time.Time
}

func testConfig(keyBase, upstreamURL string) *config.GatewayConfig {
	cfg := &config.GatewayConfig{
		Server:   config.ServerConfig{Address: "127.0.0.1:0"},
		Upstream: config.UpstreamConfig{URL: upstreamURL},
		Tenancy:  config.TenancyConfig{Sources: []string{"header", "path"}},
		Keys:     config.KeysConfig{BaseURL: keyBase},
		Tenants: []config.TenantConfig{
			{
				ID:   "T1",
				CORS: &config.CORSConfig{AllowOrigins: []string{originT1}, ExposeHeaders: []string{"X-Request-ID"}},
			},
			{
				ID:   "T2",
				CORS: &config.CORSConfig{AllowOrigins: []string{originT2}},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.GatewayConfig), opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		keys:   newKeyServer(t),
		hits:   &atomic.Int32{},
		signer: authtest.NewES256Key(t, "k1"),
		now:    time.Now().Truncate(time.Second),
	}
	f.upstream = echoUpstream(t, f.hits)
	f.keys.publish("T1", authtest.PublicJWKS(t, f.signer))
	f.keys.publish("T2", authtest.PublicJWKS(t, authtest.NewES256Key(t, "k1")))

	cfg := testConfig(f.keys.URL, f.upstream.URL)
	if mutate != nil {
		mutate(cfg)
	}

	base := []Option{
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return f.now }),
	}
	gw, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) token(t *testing.T, tenantID string) string {
	t.Helper()
	return f.signer.Sign(t, authtest.StandardClaims(f.keys.URL+"/t/"+tenantID, "alice", f.now))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echoed {
	t.Helper()
	var e echoed
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestGateway_ForwardsWithTrustedHeaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))
	req.Header.Set("X-JWT-Subject", "admin")
	req.Header["x-jwt-kid"] = []string{"spoofed"}
	req.Header.Add("X-Jwt-Issuer", "https://evil.example")

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	e := decodeEcho(t, rec)
	assert.Equal(t, "/orders", e.Path)
	assert.Equal(t, []string{"alice"}, e.Header.Values("X-Jwt-Subject"))
	assert.Equal(t, []string{"k1"}, e.Header.Values("X-Jwt-Kid"))
	assert.Equal(t, []string{f.keys.URL + "/t/T1"}, e.Header.Values("X-Jwt-Issuer"))
	assert.Equal(t, []string{"T1"}, e.Header.Values("X-Tenant-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, 1, f.keys.count("T1"))
}

func TestGateway_PathTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/t/T1/orders/7", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	e := decodeEcho(t, rec)
	assert.Equal(t, "/orders/7", e.Path)
	assert.Equal(t, "T1", e.Header.Get("X-Tenant-Id"))
}

func TestGateway_Preflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	req.Header.Set("Origin", originT1)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")

	rec := f.do(req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, originT1, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")
	assert.Zero(t, f.hits.Load())
	assert.Zero(t, f.keys.count("T1"))
}

func TestGateway_CrossOriginResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	req.Header.Set("Origin", originT1)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))

	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{originT1}, rec.Header().Values("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Request-ID", rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestGateway_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	valid := f.token(t, "T1")

	tests := []struct {
		name          string
		build         func() *http.Request
		wantStatus    int
		wantReason    string
		wantChallenge string
	}{
		{
			name: "origin of another tenant",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T1")
				r.Header.Set("Origin", originT2)
				r.Header.Set("Authorization", "Bearer "+valid)
				return r
			},
			wantStatus: http.StatusForbidden,
			wantReason: "forbidden_origin",
		},
		{
			name: "preflight method not allowed",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodOptions, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T1")
				r.Header.Set("Origin", originT1)
				r.Header.Set("Access-Control-Request-Method", "TRACE")
				return r
			},
			wantStatus: http.StatusForbidden,
			wantReason: "forbidden_method",
		},
		{
			name: "missing token",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T1")
				return r
			},
			wantStatus:    http.StatusUnauthorized,
			wantReason:    "missing_token",
			wantChallenge: "Bearer",
		},
		{
			name: "no tenant",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("Authorization", "Bearer "+valid)
				return r
			},
			wantStatus:    http.StatusUnauthorized,
			wantReason:    "unknown_tenant",
			wantChallenge: "Bearer",
		},
		{
			name: "unconfigured tenant",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T9")
				r.Header.Set("Authorization", "Bearer "+valid)
				return r
			},
			wantStatus:    http.StatusUnauthorized,
			wantReason:    "unknown_tenant",
			wantChallenge: "Bearer",
		},
		{
			name: "token of another tenant",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T2")
				r.Header.Set("Authorization", "Bearer "+valid)
				return r
			},
			wantStatus:    http.StatusUnauthorized,
			wantReason:    "invalid_signature",
			wantChallenge: `Bearer error="invalid_token"`,
		},
		{
			name: "malformed token",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/orders", nil)
				r.Header.Set("X-Tenant-ID", "T1")
				r.Header.Set("Authorization", "Bearer not.a.jwt")
				return r
			},
			wantStatus:    http.StatusUnauthorized,
			wantReason:    "malformed_token",
			wantChallenge: `Bearer error="invalid_token"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.build())

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, `{"error":"`+tt.wantReason+`"}`, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantChallenge, rec.Header().Get("WWW-Authenticate"))
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	assert.Zero(t, f.hits.Load())
}

func TestGateway_KeyServerDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.keys.publish("T1", []byte("not json"))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))

	rec := f.do(req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"key_unavailable"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "json")
	assert.Zero(t, f.hits.Load())
}

func TestGateway_Reload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	call := func(tenantID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set("Authorization", "Bearer "+f.token(t, tenantID))
		return f.do(req)
	}

	require.Equal(t, http.StatusOK, call("T1").Code)
	assert.Equal(t, []string{"T1"}, f.gw.CachedTenants())

	// Drop T2; T1's cached keys survive because its endpoint is unchanged.
	next := testConfig(f.keys.URL, f.upstream.URL)
	next.Tenants = next.Tenants[:1]
	require.NoError(t, f.gw.Reload(next))

	assert.Equal(t, []string{"T1"}, f.gw.CachedTenants())
	assert.Same(t, next, f.gw.Config())

	rec := call("T2")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unknown_tenant"}`, rec.Body.String())

	// Move T1 to another key server; its cache entry goes.
	other := newKeyServer(t)
	other.publish("T1", authtest.PublicJWKS(t, f.signer))
	moved := testConfig(f.keys.URL, f.upstream.URL)
	moved.Tenants = moved.Tenants[:1]
	moved.Tenants[0].JWKSBaseURL = other.URL
	moved.Tenants[0].Issuer = f.keys.URL + "/t/T1"
	require.NoError(t, f.gw.Reload(moved))

	assert.Empty(t, f.gw.CachedTenants())
	require.Equal(t, http.StatusOK, call("T1").Code)
	assert.Equal(t, 1, other.count("T1"))
}

func TestGateway_ReloadRejectsInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	before := f.gw.Config()

	bad := testConfig(f.keys.URL, f.upstream.URL)
	bad.Tenants[0].CORS.AllowOrigins = []string{"*"}

	require.Error(t, f.gw.Reload(bad))
	assert.Same(t, before, f.gw.Config())
}

func TestGateway_SharedStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, func(cfg *config.GatewayConfig) {
		cfg.Keys.SharedStore.Enabled = true
		cfg.Keys.SharedStore.Redis.URL = "redis://" + mr.Addr()
	}, WithRedisClient(client))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, mr.Exists(config.DefaultRedisKeyPrefix+"T1"))
	assert.Same(t, client, f.gw.SharedStore())
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, WithLogger(observability.NopLogger()))
	assert.Equal(t, StateStopped, f.gw.State())
	assert.Empty(t, f.gw.Addr())
	assert.Zero(t, f.gw.Uptime())

	require.NoError(t, f.gw.Start(context.Background()))
	assert.True(t, f.gw.IsRunning())
	assert.Error(t, f.gw.Start(context.Background()))

	req, err := http.NewRequest(http.MethodGet, "http://"+f.gw.Addr()+"/t/T1/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "T1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Stop(ctx))
	assert.Equal(t, StateStopped, f.gw.State())
	assert.Error(t, f.gw.Stop(ctx))
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://keys.example", "")
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "invalid configuration"))
}

func TestStaleTenants(t *testing.T) {
	t.Parallel()

	prev := testConfig("https://keys.example", "http://up.example")

	tests := []struct {
		name   string
		mutate func(*config.GatewayConfig)
		want   []string
	}{
		{name: "unchanged", mutate: func(*config.GatewayConfig) {}},
		{
			name:   "tenant removed",
			mutate: func(c *config.GatewayConfig) { c.Tenants = c.Tenants[1:] },
			want:   []string{"T1"},
		},
		{
			name:   "override added",
			mutate: func(c *config.GatewayConfig) { c.Tenants[1].JWKSBaseURL = "https://other.example" },
			want:   []string{"T2"},
		},
		{
			name:   "tenant added",
			mutate: func(c *config.GatewayConfig) { c.Tenants = append(c.Tenants, config.TenantConfig{ID: "T3"}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next := testConfig("https://keys.example", "http://up.example")
			tt.mutate(next)
			assert.ElementsMatch(t, tt.want, staleTenants(prev, next))
		})
	}

	assert.Nil(t, staleTenants(nil, prev))
}

func TestRestartSections(t *testing.T) {
	t.Parallel()

	prev := testConfig("https://keys.example", "http://up.example")
	next := testConfig("https://keys2.example", "http://up2.example")
	next.Keys.FreshnessWindow = config.Duration(time.Minute)
	next.Tenants = nil

	assert.Equal(t, []string{"upstream", "keys"}, restartSections(prev, next))
	assert.Empty(t, restartSections(prev, testConfig("https://keys.example", "http://up.example")))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
