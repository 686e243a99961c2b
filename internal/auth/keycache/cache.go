// Package keycache caches tenant key sets for a fixed freshness window and
// coordinates refreshes so that at most one resolution per tenant is in
// flight at any time.
package keycache

import (
	"context"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/edgegw/internal/auth/jwks"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Cache defaults.
const (
	DefaultFreshnessWindow    = 300 * time.Second
	DefaultResolutionTimeout  = 5 * time.Second
	DefaultForcedRefreshEvery = 30 * time.Second
)

// entry is never mutated after it is stored; a refresh stores a new one.
type entry struct {
	keySet    *jwks.KeySet
	expiresAt time.Time
}

type flightResult struct {
	entry *entry
	stale bool
}

// Cache holds one key set per tenant.
type Cache struct {
	resolver          jwks.Resolver
	window            time.Duration
	resolutionTimeout time.Duration
	now               func() time.Time
	logger            observability.Logger
	metrics           *Metrics

	staleIfError bool
	maxStale     time.Duration

	forcedRefresh bool
	forcedEvery   time.Duration
	forcedBurst   int

	mu      sync.RWMutex
	entries map[string]*entry
	// gens changes on every Invalidate; a flight stores its result only if
	// the tenant's generation is the one it started under.
	gens  map[string]uint64
	epoch uint64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	flights singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithFreshnessWindow sets how long a fetched key set is served without refresh.
func WithFreshnessWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithResolutionTimeout bounds each refresh independently of any caller.
func WithResolutionTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.resolutionTimeout = d
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithStaleIfError serves an expired key set for up to maxStale past its
// expiry when a refresh fails. Disabled by default.
func WithStaleIfError(maxStale time.Duration) Option {
	return func(c *Cache) {
		c.staleIfError = maxStale > 0
		c.maxStale = maxStale
	}
}

// WithForcedRefresh configures the TTL-bypassing refresh performed when a
// kid is missing from a fresh key set. every <= 0 disables it.
func WithForcedRefresh(every time.Duration, burst int) Option {
	return func(c *Cache) {
		c.forcedRefresh = every > 0
		c.forcedEvery = every
		if burst < 1 {
			burst = 1
		}
		c.forcedBurst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache in front of resolver.
func New(resolver jwks.Resolver, opts ...Option) *Cache {
	c := &Cache{
		resolver:          resolver,
		window:            DefaultFreshnessWindow,
		resolutionTimeout: DefaultResolutionTimeout,
		now:               time.Now,
		logger:            observability.NopLogger(),
		forcedRefresh:     true,
		forcedEvery:       DefaultForcedRefreshEvery,
		forcedBurst:       1,
		entries:           make(map[string]*entry),
		gens:              make(map[string]uint64),
		limiters:          make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the public key kid of tenantID, refreshing the tenant's
// key set first if it is absent or expired.
//
// Failures are *KeyError values matching ErrKeyUnavailable or ErrUnknownKid.
// A caller whose ctx ends while waiting on a shared refresh stops waiting;
// the refresh itself runs to completion for the other waiters.
func (c *Cache) GetKey(ctx context.Context, tenantID, kid string) (jwk.Key, error) {
	e := c.lookup(tenantID)

	switch {
	case e == nil:
		c.metrics.lookup(lookupMiss)
	case c.now().Before(e.expiresAt):
		c.metrics.lookup(lookupHit)
	default:
		c.metrics.lookup(lookupExpired)
	}

	if e == nil || !c.now().Before(e.expiresAt) {
		res, err := c.refresh(ctx, tenantID, e, false)
		if err != nil {
			c.metrics.lookup(lookupError)
			return nil, c.keyError(tenantID, kid, ErrKeyUnavailable, err)
		}
		if res.stale {
			c.metrics.lookup(lookupStale)
		}
		e = res.entry
	}

	if key, ok := e.keySet.LookupKeyID(kid); ok {
		return key, nil
	}

	if !c.allowForcedRefresh(tenantID) {
		c.metrics.lookup(lookupUnknownKid)
		return nil, c.keyError(tenantID, kid, ErrUnknownKid, nil)
	}

	res, err := c.refresh(ctx, tenantID, e, true)
	if err != nil {
		c.metrics.lookup(lookupUnknownKid)
		return nil, c.keyError(tenantID, kid, ErrUnknownKid, err)
	}
	if key, ok := res.entry.keySet.LookupKeyID(kid); ok {
		return key, nil
	}

	c.metrics.lookup(lookupUnknownKid)
	return nil, c.keyError(tenantID, kid, ErrUnknownKid, nil)
}

// refresh joins or starts the tenant's single in-flight resolution.
// observed is the entry the caller saw; if another flight has already
// replaced it, that result is reused instead of resolving again.
func (c *Cache) refresh(ctx context.Context, tenantID string, observed *entry, forced bool) (flightResult, error) {
	ch := c.flights.DoChan(tenantID, func() (interface{}, error) {
		if cur := c.lookup(tenantID); cur != nil && cur != observed && (forced || c.now().Before(cur.expiresAt)) {
			return flightResult{entry: cur}, nil
		}
		gen := c.generation(tenantID)

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.resolutionTimeout)
		defer cancel()

		ks, err := c.resolver.Fetch(fctx, tenantID)
		c.metrics.resolution(err)
		if err != nil {
			return c.onRefreshError(ctx, tenantID, err)
		}

		e := &entry{keySet: ks, expiresAt: ks.FetchedAt().Add(c.window)}
		if !c.store(tenantID, gen, e) {
			c.logger.WithContext(ctx).Debug("tenant invalidated during refresh, result not cached",
				observability.String("tenant", tenantID),
			)
			return flightResult{entry: e}, nil
		}

		c.logger.WithContext(ctx).Debug("key set refreshed",
			observability.String("tenant", tenantID),
			observability.Int("keys", ks.Len()),
			observability.Bool("forced", forced),
			observability.Time("expires_at", e.expiresAt),
		)
		return flightResult{entry: e}, nil
	})

	select {
	case <-ctx.Done():
		return flightResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return flightResult{}, r.Err
		}
		return r.Val.(flightResult), nil
	}
}

func (c *Cache) onRefreshError(ctx context.Context, tenantID string, err error) (interface{}, error) {
	cur := c.lookup(tenantID)
	if c.staleIfError && cur != nil && c.now().Before(cur.expiresAt.Add(c.maxStale)) {
		c.logger.WithContext(ctx).Warn("key set refresh failed, serving stale key set",
			observability.String("tenant", tenantID),
			observability.Time("expired_at", cur.expiresAt),
			observability.Error(err),
		)
		return flightResult{entry: cur, stale: true}, nil
	}
	c.logger.WithContext(ctx).Warn("key set refresh failed",
		observability.String("tenant", tenantID),
		observability.Error(err),
	)
	return nil, err
}

func (c *Cache) allowForcedRefresh(tenantID string) bool {
	if !c.forcedRefresh {
		return false
	}

	c.limitersMu.Lock()
	lim, ok := c.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.forcedEvery), c.forcedBurst)
		c.limiters[tenantID] = lim
	}
	c.limitersMu.Unlock()

	if lim.AllowN(c.now(), 1) {
		c.metrics.forced(forcedPerformed)
		return true
	}
	c.metrics.forced(forcedThrottled)
	return false
}

func (c *Cache) lookup(tenantID string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[tenantID]
}

func (c *Cache) generation(tenantID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenantID]
}

// store caches e unless the tenant was invalidated after gen was read.
func (c *Cache) store(tenantID string, gen uint64, e *entry) bool {
	c.mu.Lock()
	if c.gens[tenantID] != gen {
		c.mu.Unlock()
		return false
	}
	c.entries[tenantID] = e
	n := len(c.entries)
	c.mu.Unlock()
	c.metrics.setEntries(n)
	return true
}

func (c *Cache) keyError(tenantID, kid string, kind, cause error) *KeyError {
	return &KeyError{Tenant: tenantID, KeyID: kid, Err: kind, Cause: cause}
}

// Invalidate drops the tenant's cached key set and refresh throttle. A
// refresh already in flight still answers its waiters but is not cached,
// and later lookups start a new resolution instead of joining it.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.epoch++
	c.gens[tenantID] = c.epoch
	n := len(c.entries)
	c.mu.Unlock()
	c.metrics.setEntries(n)
	c.flights.Forget(tenantID)

	c.limitersMu.Lock()
	delete(c.limiters, tenantID)
	c.limitersMu.Unlock()
}

// Tenants returns the tenants that currently have a cached key set.
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for tenant := range c.entries {
		out = append(out, tenant)
	}
	return out
}

// Len returns the number of cached tenants.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ExpiresAt returns when the tenant's cached key set stops being fresh.
func (c *Cache) ExpiresAt(tenantID string) (time.Time, bool) {
	e := c.lookup(tenantID)
	if e == nil {
		return time.Time{}, false
	}
	return e.expiresAt, true
}
