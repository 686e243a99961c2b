package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Resolver defaults.
const (
	DefaultResolutionTimeout = 5 * time.Second
	WellKnownPath            = "/.well-known/jwks.json"
	maxDocumentSize          = 1 << 20
)

var tracer = otel.Tracer("edgegw/jwks")

// errBreakerOpen marks failures short-circuited by an open breaker.
var errBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings configures the per-tenant circuit breaker.
type BreakerSettings struct {
	// Threshold is the minimum number of requests in a closed interval
	// before a failure ratio of 50% trips the breaker.
	Threshold int
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
}

// HTTPResolver fetches key sets from
// <base>/.well-known/jwks.json?tenant_id=<tenant>.
type HTTPResolver struct {
	directory  Directory
	client     *http.Client
	timeout    time.Duration
	now        func() time.Time
	logger     observability.Logger
	metrics    *Metrics
	breaker    *BreakerSettings
	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// HTTPResolverOption configures an HTTPResolver.
type HTTPResolverOption func(*HTTPResolver)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) HTTPResolverOption {
	return func(r *HTTPResolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithResolutionTimeout bounds each fetch.
func WithResolutionTimeout(d time.Duration) HTTPResolverOption {
	return func(r *HTTPResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp fetched key sets.
func WithClock(now func() time.Time) HTTPResolverOption {
	return func(r *HTTPResolver) {
		r.now = now
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) HTTPResolverOption {
	return func(r *HTTPResolver) {
		r.logger = logger
	}
}

// WithResolverMetrics sets the metrics collector.
func WithResolverMetrics(m *Metrics) HTTPResolverOption {
	return func(r *HTTPResolver) {
		r.metrics = m
	}
}

// WithCircuitBreaker enables a circuit breaker per tenant.
func WithCircuitBreaker(settings BreakerSettings) HTTPResolverOption {
	return func(r *HTTPResolver) {
		r.breaker = &settings
	}
}

// NewHTTPResolver creates a resolver backed by directory.
func NewHTTPResolver(directory Directory, opts ...HTTPResolverOption) *HTTPResolver {
	r := &HTTPResolver{
		directory: directory,
		client:    &http.Client{},
		timeout:   DefaultResolutionTimeout,
		now:       time.Now,
		logger:    observability.NopLogger(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch resolves the tenant's key set. It never blocks longer than the
// resolution timeout.
func (r *HTTPResolver) Fetch(ctx context.Context, tenantID string) (*KeySet, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "jwks.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	ks, err := r.fetch(ctx, tenantID)

	r.metrics.recordFetch(err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fetchResult(err))
		r.logger.WithContext(ctx).Warn("key set resolution failed",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("jwks.keys", ks.Len()))
	r.logger.WithContext(ctx).Debug("key set resolved",
		observability.String("tenant", tenantID),
		observability.Strings("kids", ks.KeyIDs()),
	)
	return ks, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, tenantID string) (*KeySet, error) {
	base, ok := r.directory.BaseURL(tenantID)
	if !ok {
		return nil, newResolveError(tenantID, ErrResolutionFailed, ErrNoEndpoint)
	}
	endpoint := DocumentURL(base, tenantID)

	cb := r.breakerFor(tenantID)
	if cb == nil {
		return r.get(ctx, tenantID, endpoint)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return r.get(ctx, tenantID, endpoint)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newResolveError(tenantID, ErrResolutionFailed, fmt.Errorf("%w: %w", errBreakerOpen, err))
	}
	if err != nil {
		return nil, err
	}
	return out.(*KeySet), nil
}

func (r *HTTPResolver) get(ctx context.Context, tenantID, endpoint string) (*KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, newResolveError(tenantID, ErrResolutionFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectTraceContext(ctx, req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, newResolveError(tenantID, ErrResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, newResolveError(tenantID, ErrResolutionFailed,
			fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, newResolveError(tenantID, ErrResolutionFailed, err)
	}
	if len(body) > maxDocumentSize {
		return nil, newResolveError(tenantID, ErrMalformedKeySet,
			fmt.Errorf("document larger than %d bytes", maxDocumentSize))
	}

	return ParseKeySet(tenantID, body, r.now())
}

func (r *HTTPResolver) breakerFor(tenantID string) *gobreaker.CircuitBreaker {
	if r.breaker == nil {
		return nil
	}

	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	if cb, ok := r.breakers[tenantID]; ok {
		return cb
	}

	threshold := safeIntToUint32(r.breaker.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jwks:" + tenantID,
		MaxRequests: 1,
		Interval:    r.breaker.Timeout,
		Timeout:     r.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("key resolution circuit breaker state change",
				observability.String("tenant", tenantID),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	r.breakers[tenantID] = cb
	return cb
}

// Forget drops per-tenant state such as the circuit breaker.
func (r *HTTPResolver) Forget(tenantID string) {
	r.breakersMu.Lock()
	delete(r.breakers, tenantID)
	r.breakersMu.Unlock()
}

// DocumentURL builds the key-distribution URL for tenantID under base.
func DocumentURL(base, tenantID string) string {
	return base + WellKnownPath + "?tenant_id=" + url.QueryEscape(tenantID)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
