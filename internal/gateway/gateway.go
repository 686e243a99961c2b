package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/edgegw/internal/auth"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwks"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/auth/keycache"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/cors"
	"github.com/vyrodovalexey/edgegw/internal/middleware"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/proxy"
	"github.com/vyrodovalexey/edgegw/internal/tenant"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const metricsNamespace = "edgegw"

// Gateway is the tenant-aware edge gateway.
type Gateway struct {
	mu        sync.RWMutex
	config    *config.GatewayConfig
	state     atomic.Int32
	startTime time.Time

	server   *http.Server
	listener net.Listener
	serveErr chan error

	extractor  atomic.Pointer[tenant.Extractor]
	directory  *jwks.StaticDirectory
	resolver   *jwks.HTTPResolver
	keys       *keycache.Cache
	policies   *jwt.StaticPolicies
	evaluator  *cors.Evaluator
	propagator *auth.Propagator
	pipeline   *pipeline.Pipeline
	upstream   *proxy.Upstream
	handler    http.Handler

	redis     redis.UniversalClient
	ownsRedis bool

	logger            observability.Logger
	registerer        prometheus.Registerer
	httpClient        *http.Client
	upstreamTransport http.RoundTripper
	now               func() time.Time
	tracer            *observability.Tracer
	httpMetrics       *observability.Metrics
	shutdownTimeout   time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRegisterer registers every component's metrics on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.registerer = registerer
	}
}

// WithHTTPClient sets the client used to fetch key sets.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithUpstreamTransport sets the transport used to reach the upstream.
func WithUpstreamTransport(transport http.RoundTripper) Option {
	return func(g *Gateway) {
		g.upstreamTransport = transport
	}
}

// WithClock sets the time source for key freshness and token validity.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithRedisClient supplies the shared store client instead of dialing the
// configured URL. The gateway does not close a supplied client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) {
		g.redis = client
	}
}

// WithTracer enables the request tracing middleware.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithHTTPMetrics enables the request metrics middleware.
func WithHTTPMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.httpMetrics = m
	}
}

// WithShutdownTimeout overrides the configured shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// New validates cfg and assembles the gateway.
func New(cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		now:             time.Now,
		shutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.build(cfg); err != nil {
		g.closeRedis()
		return nil, err
	}

	return g, nil
}

func (g *Gateway) build(cfg *config.GatewayConfig) error {
	keys := cfg.Keys
	log := g.logger

	g.extractor.Store(newExtractor(cfg.Tenancy))

	jwksMetrics := jwks.NewMetrics(metricsNamespace, g.registerer)
	resolverOpts := []jwks.HTTPResolverOption{
		jwks.WithResolutionTimeout(keys.ResolutionTimeout.Duration()),
		jwks.WithClock(g.now),
		jwks.WithResolverLogger(log),
		jwks.WithResolverMetrics(jwksMetrics),
	}
	if g.httpClient != nil {
		resolverOpts = append(resolverOpts, jwks.WithHTTPClient(g.httpClient))
	}
	if keys.CircuitBreaker.Enabled {
		resolverOpts = append(resolverOpts, jwks.WithCircuitBreaker(jwks.BreakerSettings{
			Threshold: keys.CircuitBreaker.Threshold,
			Timeout:   keys.CircuitBreaker.Timeout.Duration(),
		}))
	}
	g.directory = jwks.NewStaticDirectory(keys.BaseURL, jwksOverrides(cfg))
	g.resolver = jwks.NewHTTPResolver(g.directory, resolverOpts...)

	var resolver jwks.Resolver = g.resolver
	if keys.SharedStore.Enabled {
		if g.redis == nil {
			client, err := jwks.NewRedisClient(keys.SharedStore.Redis.URL, keys.SharedStore.Redis.Timeout.Duration())
			if err != nil {
				return fmt.Errorf("shared store: %w", err)
			}
			g.redis = client
			g.ownsRedis = true
		}
		resolver = jwks.NewSharedStoreResolver(g.resolver, g.redis, keys.FreshnessWindow.Duration(),
			jwks.WithStoreKeyPrefix(keys.SharedStore.Redis.KeyPrefix),
			jwks.WithStoreClock(g.now),
			jwks.WithStoreLogger(log),
			jwks.WithStoreMetrics(jwksMetrics),
		)
	}

	cacheOpts := []keycache.Option{
		keycache.WithFreshnessWindow(keys.FreshnessWindow.Duration()),
		keycache.WithResolutionTimeout(keys.ResolutionTimeout.Duration()),
		keycache.WithClock(g.now),
		keycache.WithLogger(log),
		keycache.WithMetrics(keycache.NewMetrics(metricsNamespace, g.registerer)),
	}
	if keys.StaleIfError.Enabled {
		cacheOpts = append(cacheOpts, keycache.WithStaleIfError(keys.StaleIfError.MaxStale.Duration()))
	}
	if keys.ForcedRefresh.IsEnabled() {
		cacheOpts = append(cacheOpts, keycache.WithForcedRefresh(keys.ForcedRefresh.Interval.Duration(), keys.ForcedRefresh.Burst))
	} else {
		cacheOpts = append(cacheOpts, keycache.WithForcedRefresh(0, 0))
	}
	g.keys = keycache.New(resolver, cacheOpts...)

	g.policies = jwt.NewStaticPolicies(keys.IssuerBaseURL, tokenPolicies(cfg))
	verifierOpts := []jwt.Option{
		jwt.WithClockSkew(keys.ClockSkew.Duration()),
		jwt.WithClock(g.now),
		jwt.WithLogger(log),
		jwt.WithMetrics(jwt.NewMetrics(metricsNamespace, g.registerer)),
	}
	if len(keys.Algorithms) > 0 {
		verifierOpts = append(verifierOpts, jwt.WithAlgorithms(keys.Algorithms...))
	}
	verifier := jwt.NewVerifier(g.keys, g.policies, verifierOpts...)

	dir, err := cors.Compile(corsTenants(cfg))
	if err != nil {
		return fmt.Errorf("cors policies: %w", err)
	}
	g.evaluator = cors.NewEvaluator(dir,
		cors.WithLogger(log),
		cors.WithMetrics(cors.NewMetrics(metricsNamespace, g.registerer)),
	)

	g.propagator = auth.NewPropagator(headerNames(cfg.Propagation))

	g.pipeline = pipeline.New(g.evaluator, verifier, g.propagator,
		pipeline.WithVerificationTimeout(keys.VerificationTimeout.Duration()),
		pipeline.WithLogger(log),
		pipeline.WithMetrics(pipeline.NewMetrics(metricsNamespace, g.registerer)),
	)

	proxyOpts := []proxy.Option{
		proxy.WithLogger(log),
		proxy.WithMetrics(proxy.NewMetrics(metricsNamespace, g.registerer)),
		proxy.WithModifyResponse(stripUpstreamCORS),
	}
	if g.upstreamTransport != nil {
		proxyOpts = append(proxyOpts, proxy.WithTransport(g.upstreamTransport))
	}
	g.upstream, err = proxy.New(cfg.Upstream.URL, proxyOpts...)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	g.handler = g.buildHandler()
	return nil
}

func (g *Gateway) buildHandler() http.Handler {
	mws := []func(http.Handler) http.Handler{middleware.RequestID()}
	if g.tracer != nil {
		mws = append(mws, observability.TracingMiddleware(g.tracer))
	}
	mws = append(mws, middleware.Logging(g.logger))
	if g.httpMetrics != nil {
		mws = append(mws, observability.MetricsMiddleware(g.httpMetrics))
	}
	mws = append(mws, middleware.Recovery(g.logger, middleware.NewMetrics(metricsNamespace, g.registerer)))

	return middleware.Chain(http.HandlerFunc(g.serveHTTP), mws...)
}

// Handler returns the gateway's HTTP handler with its middleware chain.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start binds the configured address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not stopped")
	}

	cfg := g.Config()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.Address)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address, err)
	}

	g.listener = ln
	g.server = &http.Server{
		Handler:           g.handler,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	g.serveErr = make(chan error, 1)

	go func() {
		err := g.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", observability.Error(err))
		}
		g.serveErr <- err
	}()

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", ln.Addr().String()),
		observability.String("upstream", g.upstream.Target()),
		observability.Int("tenants", len(cfg.Tenants)),
	)

	return nil
}

// Stop drains in-flight requests and releases the shared store client.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok && g.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var shutdownErr error
	if err := g.server.Shutdown(ctx); err != nil {
		if closeErr := g.server.Close(); closeErr != nil {
			shutdownErr = fmt.Errorf("failed to close server: %w", closeErr)
		} else {
			shutdownErr = fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
	}
	<-g.serveErr

	g.closeRedis()
	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")
	return shutdownErr
}

func (g *Gateway) closeRedis() {
	if g.ownsRedis && g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("failed to close shared store client", observability.Error(err))
		}
		g.redis = nil
		g.ownsRedis = false
	}
}

// Reload applies a new configuration. Tenants, their CORS policies, key
// endpoints, expected issuers and audiences, and the tenant sources take
// effect immediately. Cached keys of removed tenants and of tenants whose
// key endpoint changed are dropped. Every other section needs a restart.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	dir, err := cors.Compile(corsTenants(cfg))
	if err != nil {
		return fmt.Errorf("cors policies: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.config

	g.evaluator.Replace(dir)
	g.directory.Replace(cfg.Keys.BaseURL, jwksOverrides(cfg))
	g.policies.Replace(cfg.Keys.IssuerBaseURL, tokenPolicies(cfg))
	g.extractor.Store(newExtractor(cfg.Tenancy))

	stale := staleTenants(prev, cfg)
	for _, id := range stale {
		g.keys.Invalidate(id)
		g.resolver.Forget(id)
	}

	if restart := restartSections(prev, cfg); len(restart) > 0 {
		g.logger.Warn("configuration changes require a restart",
			observability.Strings("sections", restart),
		)
	}

	g.config = cfg

	g.logger.Info("gateway configuration reloaded",
		observability.Int("tenants", len(cfg.Tenants)),
		observability.Strings("invalidated", stale),
	)
	return nil
}

func restartSections(prev, next *config.GatewayConfig) []string {
	var out []string
	if !reflect.DeepEqual(prev.Server, next.Server) {
		out = append(out, "server")
	}
	if prev.Upstream != next.Upstream {
		out = append(out, "upstream")
	}
	if !reflect.DeepEqual(prev.Propagation, next.Propagation) {
		out = append(out, "propagation")
	}
	pk, nk := prev.Keys, next.Keys
	pk.BaseURL, nk.BaseURL = "", ""
	pk.IssuerBaseURL, nk.IssuerBaseURL = "", ""
	if !reflect.DeepEqual(pk, nk) {
		out = append(out, "keys")
	}
	if !reflect.DeepEqual(prev.Observability, next.Observability) {
		out = append(out, "observability")
	}
	return out
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Addr returns the bound listener address, or "" when not started.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// SharedStore returns the shared key store client, or nil when disabled.
func (g *Gateway) SharedStore() redis.UniversalClient {
	return g.redis
}

// CachedTenants lists tenants with a cached key set.
func (g *Gateway) CachedTenants() []string {
	return g.keys.Tenants()
}
