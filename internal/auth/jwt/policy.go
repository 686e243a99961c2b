package jwt

import (
	"strings"
	"sync"
)

// Policy holds the claims a tenant's tokens must carry.
type Policy struct {
	// Issuer is the exact iss value expected for the tenant.
	Issuer string
	// Audiences, when non-empty, must intersect the token's aud.
	Audiences []string
}

// PolicySource returns the verification policy for a tenant.
type PolicySource interface {
	Policy(tenantID string) (Policy, bool)
}

// DefaultIssuer derives a tenant's issuer from the identity service base URL.
func DefaultIssuer(issuerBaseURL, tenantID string) string {
	return strings.TrimRight(issuerBaseURL, "/") + "/t/" + tenantID
}

// StaticPolicies is a PolicySource backed by configuration. Tenants without
// an explicit issuer get DefaultIssuer.
type StaticPolicies struct {
	mu         sync.RWMutex
	issuerBase string
	tenants    map[string]Policy
}

// NewStaticPolicies creates a policy source for the given tenants.
func NewStaticPolicies(issuerBaseURL string, tenants map[string]Policy) *StaticPolicies {
	p := &StaticPolicies{}
	p.Replace(issuerBaseURL, tenants)
	return p
}

// Replace swaps the whole tenant table.
func (p *StaticPolicies) Replace(issuerBaseURL string, tenants map[string]Policy) {
	table := make(map[string]Policy, len(tenants))
	for id, policy := range tenants {
		if policy.Issuer == "" && issuerBaseURL != "" {
			policy.Issuer = DefaultIssuer(issuerBaseURL, id)
		}
		policy.Audiences = append([]string(nil), policy.Audiences...)
		table[id] = policy
	}

	p.mu.Lock()
	p.issuerBase = issuerBaseURL
	p.tenants = table
	p.mu.Unlock()
}

// Policy implements PolicySource.
func (p *StaticPolicies) Policy(tenantID string) (Policy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.tenants[tenantID]
	return policy, ok
}
