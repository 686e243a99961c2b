package cors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Policy construction errors.
var (
	ErrEmptyPolicy   = errors.New("policy has no allowed origins")
	ErrWildcardValue = errors.New("wildcard values are not allowed")
)

// PolicyConfig is the declarative form of a Policy.
type PolicyConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// Policy is a compiled, immutable origin allow-list together with the
// methods and headers a permitted origin may use.
type Policy struct {
	patterns         []OriginPattern
	allowMethods     []string
	methodSet        map[string]struct{}
	allowHeaders     []string
	headerSet        map[string]struct{}
	exposeHeaders    []string
	allowCredentials bool
	maxAge           int
}

// NewPolicy compiles cfg. Every origin entry must parse with
// ParseOriginPattern; an empty allow-list is rejected.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if len(cfg.AllowOrigins) == 0 {
		return nil, ErrEmptyPolicy
	}

	p := &Policy{
		patterns:         make([]OriginPattern, 0, len(cfg.AllowOrigins)),
		methodSet:        make(map[string]struct{}, len(cfg.AllowMethods)),
		headerSet:        make(map[string]struct{}, len(cfg.AllowHeaders)),
		exposeHeaders:    append([]string(nil), cfg.ExposeHeaders...),
		allowCredentials: cfg.AllowCredentials,
		maxAge:           cfg.MaxAge,
	}

	for _, raw := range cfg.AllowOrigins {
		pattern, err := ParseOriginPattern(raw)
		if err != nil {
			return nil, fmt.Errorf("allowOrigins %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, pattern)
	}

	for _, m := range cfg.AllowMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "*" {
			return nil, fmt.Errorf("allowMethods: %w", ErrWildcardValue)
		}
		if _, dup := p.methodSet[m]; dup || m == "" {
			continue
		}
		p.methodSet[m] = struct{}{}
		p.allowMethods = append(p.allowMethods, m)
	}

	for _, h := range cfg.AllowHeaders {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(h))
		if canonical == "*" {
			return nil, fmt.Errorf("allowHeaders: %w", ErrWildcardValue)
		}
		key := strings.ToLower(canonical)
		if _, dup := p.headerSet[key]; dup || key == "" {
			continue
		}
		p.headerSet[key] = struct{}{}
		p.allowHeaders = append(p.allowHeaders, canonical)
	}

	return p, nil
}

// AllowsOrigin reports whether o matches one of the policy's patterns.
func (p *Policy) AllowsOrigin(o Origin) bool {
	for _, pattern := range p.patterns {
		if pattern.Matches(o) {
			return true
		}
	}
	return false
}

// AllowsMethod reports whether method may be used cross-origin.
func (p *Policy) AllowsMethod(method string) bool {
	_, ok := p.methodSet[strings.ToUpper(method)]
	return ok
}

// AllowsHeader reports whether the request header name may be sent cross-origin.
func (p *Policy) AllowsHeader(name string) bool {
	_, ok := p.headerSet[strings.ToLower(name)]
	return ok
}

// Patterns returns the normalized allow-list.
func (p *Policy) Patterns() []string {
	out := make([]string, len(p.patterns))
	for i, pattern := range p.patterns {
		out[i] = pattern.String()
	}
	return out
}

type routePolicy struct {
	prefix string
	policy *Policy
}

// TenantPolicies holds a tenant's default policy and its route overrides.
type TenantPolicies struct {
	def    *Policy
	routes []routePolicy
}

// RouteConfig is a route-scoped override.
type RouteConfig struct {
	PathPrefix string
	Policy     PolicyConfig
}

// TenantConfig is the declarative form of TenantPolicies. Default may be nil,
// in which case only routes with an override admit cross-origin requests.
type TenantConfig struct {
	Default *PolicyConfig
	Routes  []RouteConfig
}

// Directory maps tenants to their policies. It is immutable once compiled.
type Directory struct {
	tenants map[string]*TenantPolicies
}

// Compile builds a Directory from per-tenant configuration.
func Compile(tenants map[string]TenantConfig) (*Directory, error) {
	d := &Directory{tenants: make(map[string]*TenantPolicies, len(tenants))}

	for id, tc := range tenants {
		tp := &TenantPolicies{}

		if tc.Default != nil {
			p, err := NewPolicy(*tc.Default)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", id, err)
			}
			tp.def = p
		}

		for _, rc := range tc.Routes {
			p, err := NewPolicy(rc.Policy)
			if err != nil {
				return nil, fmt.Errorf("tenant %s route %s: %w", id, rc.PathPrefix, err)
			}
			tp.routes = append(tp.routes, routePolicy{prefix: rc.PathPrefix, policy: p})
		}

		// Longest prefix first so the most specific route wins.
		sort.SliceStable(tp.routes, func(i, j int) bool {
			return len(tp.routes[i].prefix) > len(tp.routes[j].prefix)
		})

		d.tenants[id] = tp
	}

	return d, nil
}

// Lookup returns the policy governing route for tenant. A route override
// takes precedence over the tenant default.
func (d *Directory) Lookup(tenant, route string) (*Policy, bool) {
	if d == nil {
		return nil, false
	}
	tp, ok := d.tenants[tenant]
	if !ok {
		return nil, false
	}
	for _, rp := range tp.routes {
		if matchPrefix(route, rp.prefix) {
			return rp.policy, true
		}
	}
	if tp.def == nil {
		return nil, false
	}
	return tp.def, true
}

// matchPrefix matches whole path segments: "/reports" covers "/reports"
// and "/reports/2024" but not "/reportsx".
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
