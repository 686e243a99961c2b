package jwt

import (
	"sort"
	"time"
)

// VerifiedIdentity is the result of a successful verification. It belongs
// to a single request and is never cached.
type VerifiedIdentity struct {
	KeyID     string
	Issuer    string
	Subject   string
	Tenant    string
	Audience  []string
	ExpiresAt time.Time

	claims map[string]any
}

// Claim returns a verified claim by name.
func (id *VerifiedIdentity) Claim(name string) (any, bool) {
	v, ok := id.claims[name]
	return v, ok
}

// ClaimNames returns the names of all verified claims, sorted.
func (id *VerifiedIdentity) ClaimNames() []string {
	names := make([]string, 0, len(id.claims))
	for name := range id.claims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
