package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// DefaultStoreKeyPrefix prefixes Redis keys written by SharedStoreResolver.
const DefaultStoreKeyPrefix = "edgegw:jwks:"

// storedDocument is the Redis value: the source document together with
// the time it was fetched from the key-distribution endpoint.
type storedDocument struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Document  json.RawMessage `json:"document"`
}

// SharedStoreResolver lets gateway replicas share fetched key sets through
// Redis. A stored document is reused only while now < fetchedAt + window,
// so the freshness bound holds no matter which replica fetched it. Redis
// failures fall through to the inner resolver.
type SharedStoreResolver struct {
	inner     Resolver
	client    redis.UniversalClient
	window    time.Duration
	keyPrefix string
	now       func() time.Time
	logger    observability.Logger
	metrics   *Metrics
}

// StoreOption configures a SharedStoreResolver.
type StoreOption func(*SharedStoreResolver)

// WithStoreKeyPrefix sets the Redis key prefix.
func WithStoreKeyPrefix(prefix string) StoreOption {
	return func(s *SharedStoreResolver) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithStoreClock sets the clock.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SharedStoreResolver) {
		s.now = now
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *SharedStoreResolver) {
		s.logger = logger
	}
}

// WithStoreMetrics sets the metrics collector.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *SharedStoreResolver) {
		s.metrics = m
	}
}

// NewSharedStoreResolver wraps inner with a Redis document store.
func NewSharedStoreResolver(
	inner Resolver,
	client redis.UniversalClient,
	window time.Duration,
	opts ...StoreOption,
) *SharedStoreResolver {
	s := &SharedStoreResolver{
		inner:     inner,
		client:    client,
		window:    window,
		keyPrefix: DefaultStoreKeyPrefix,
		now:       time.Now,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient creates a client from a redis:// or rediss:// URL.
func NewRedisClient(rawURL string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return redis.NewClient(opts), nil
}

// Fetch returns a shared document if it is still fresh, otherwise fetches
// through the inner resolver and publishes the result.
func (s *SharedStoreResolver) Fetch(ctx context.Context, tenantID string) (*KeySet, error) {
	ctx, span := tracer.Start(ctx, "jwks.shared_store",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	if ks, ok := s.load(ctx, tenantID); ok {
		span.SetAttributes(attribute.Bool("jwks.shared_hit", true))
		return ks, nil
	}

	ks, err := s.inner.Fetch(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.store(ctx, ks)
	return ks, nil
}

func (s *SharedStoreResolver) key(tenantID string) string {
	return s.keyPrefix + tenantID
}

func (s *SharedStoreResolver) load(ctx context.Context, tenantID string) (*KeySet, bool) {
	data, err := s.client.Get(ctx, s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.recordStore(storeResultMiss)
		return nil, false
	}
	if err != nil {
		s.metrics.recordStore(storeResultError)
		s.logger.WithContext(ctx).Warn("shared key set store read failed",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		return nil, false
	}

	var doc storedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.metrics.recordStore(storeResultError)
		s.logger.WithContext(ctx).Warn("shared key set store entry is corrupt",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		return nil, false
	}

	if !s.now().Before(doc.FetchedAt.Add(s.window)) {
		s.metrics.recordStore(storeResultExpired)
		return nil, false
	}

	ks, err := ParseKeySet(tenantID, doc.Document, doc.FetchedAt)
	if err != nil {
		s.metrics.recordStore(storeResultError)
		s.logger.WithContext(ctx).Warn("shared key set store entry is invalid",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		return nil, false
	}

	s.metrics.recordStore(storeResultHit)
	return ks, true
}

func (s *SharedStoreResolver) store(ctx context.Context, ks *KeySet) {
	ttl := ks.FetchedAt().Add(s.window).Sub(s.now())
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(storedDocument{FetchedAt: ks.FetchedAt(), Document: ks.Raw()})
	if err != nil {
		return
	}

	if err := s.client.Set(ctx, s.key(ks.Tenant()), data, ttl).Err(); err != nil {
		s.logger.WithContext(ctx).Warn("shared key set store write failed",
			observability.String("tenant", ks.Tenant()),
			observability.Error(err),
		)
	}
}
