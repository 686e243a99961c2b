package gateway

import (
	"github.com/vyrodovalexey/edgegw/internal/auth"
	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/cors"
	"github.com/vyrodovalexey/edgegw/internal/tenant"
)

func corsTenants(cfg *config.GatewayConfig) map[string]cors.TenantConfig {
	out := make(map[string]cors.TenantConfig, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tc := cors.TenantConfig{Default: corsPolicy(t.CORS)}
		for _, r := range t.Routes {
			if r.CORS == nil {
				continue
			}
			tc.Routes = append(tc.Routes, cors.RouteConfig{
				PathPrefix: r.PathPrefix,
				Policy:     *corsPolicy(r.CORS),
			})
		}
		out[t.ID] = tc
	}
	return out
}

func corsPolicy(c *config.CORSConfig) *cors.PolicyConfig {
	if c == nil {
		return nil
	}
	return &cors.PolicyConfig{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

func jwksOverrides(cfg *config.GatewayConfig) map[string]string {
	out := make(map[string]string)
	for _, t := range cfg.Tenants {
		if t.JWKSBaseURL != "" {
			out[t.ID] = t.JWKSBaseURL
		}
	}
	return out
}

func tokenPolicies(cfg *config.GatewayConfig) map[string]jwt.Policy {
	out := make(map[string]jwt.Policy, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		out[t.ID] = jwt.Policy{Issuer: t.Issuer, Audiences: t.Audiences}
	}
	return out
}

func headerNames(p config.PropagationConfig) auth.HeaderNames {
	return auth.HeaderNames{
		KeyID:   p.KeyIDHeader,
		Issuer:  p.IssuerHeader,
		Subject: p.SubjectHeader,
		Tenant:  p.TenantHeader,
		Claims:  p.ClaimHeaders,
	}
}

func newExtractor(t config.TenancyConfig) *tenant.Extractor {
	opts := []tenant.ExtractorOption{
		tenant.WithHeader(t.Header),
		tenant.WithPathPrefix(t.PathPrefix),
		tenant.WithHostSuffix(t.HostSuffix),
	}
	if len(t.Sources) > 0 {
		sources := make([]tenant.Source, 0, len(t.Sources))
		for _, s := range t.Sources {
			sources = append(sources, tenant.Source(s))
		}
		opts = append(opts, tenant.WithSources(sources...))
	}
	return tenant.NewExtractor(opts...)
}

// keyEndpoints returns the effective key-distribution base URL per tenant.
func keyEndpoints(cfg *config.GatewayConfig) map[string]string {
	out := make(map[string]string, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		base := t.JWKSBaseURL
		if base == "" {
			base = cfg.Keys.BaseURL
		}
		out[t.ID] = base
	}
	return out
}

// staleTenants lists tenants whose cached keys must not survive a reload:
// tenants that were removed and tenants whose key endpoint moved.
func staleTenants(prev, next *config.GatewayConfig) []string {
	if prev == nil {
		return nil
	}
	before := keyEndpoints(prev)
	after := keyEndpoints(next)

	var out []string
	for id, base := range before {
		if nb, ok := after[id]; !ok || nb != base {
			out = append(out, id)
		}
	}
	return out
}
