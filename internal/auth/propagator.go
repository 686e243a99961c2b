package auth

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
)

// Default trusted header names.
const (
	HeaderKeyID   = "X-JWT-Kid"
	HeaderIssuer  = "X-JWT-Issuer"
	HeaderSubject = "X-JWT-Subject"
	HeaderTenant  = "X-Tenant-ID"
)

// HeaderNames selects the names of the trusted headers. Empty Subject or
// Tenant disables that header; empty KeyID or Issuer falls back to the
// default name.
type HeaderNames struct {
	KeyID   string
	Issuer  string
	Subject string
	Tenant  string
	// Claims maps claim names to header names.
	Claims map[string]string
}

// DefaultHeaderNames returns the default header names with no claim headers.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		KeyID:   HeaderKeyID,
		Issuer:  HeaderIssuer,
		Subject: HeaderSubject,
		Tenant:  HeaderTenant,
	}
}

type claimHeader struct {
	claim  string
	header string
}

// Propagator turns a verified identity into trusted request headers.
type Propagator struct {
	keyID   string
	issuer  string
	subject string
	tenant  string
	claims  []claimHeader
	trusted map[string]struct{}
}

// NewPropagator creates a propagator emitting the given headers.
func NewPropagator(names HeaderNames) *Propagator {
	if names.KeyID == "" {
		names.KeyID = HeaderKeyID
	}
	if names.Issuer == "" {
		names.Issuer = HeaderIssuer
	}

	p := &Propagator{
		keyID:   http.CanonicalHeaderKey(names.KeyID),
		issuer:  http.CanonicalHeaderKey(names.Issuer),
		subject: http.CanonicalHeaderKey(names.Subject),
		tenant:  http.CanonicalHeaderKey(names.Tenant),
		trusted: make(map[string]struct{}),
	}

	for claim, header := range names.Claims {
		if claim == "" || header == "" {
			continue
		}
		p.claims = append(p.claims, claimHeader{claim: claim, header: http.CanonicalHeaderKey(header)})
	}
	sort.Slice(p.claims, func(i, j int) bool { return p.claims[i].claim < p.claims[j].claim })

	for _, name := range []string{p.keyID, p.issuer, p.subject, p.tenant} {
		if name != "" {
			p.trusted[name] = struct{}{}
		}
	}
	for _, c := range p.claims {
		p.trusted[c.header] = struct{}{}
	}

	return p
}

// TrustedHeaders returns every header name the propagator owns, sorted.
func (p *Propagator) TrustedHeaders() []string {
	names := make([]string, 0, len(p.trusted))
	for name := range p.trusted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Propagate derives the trusted headers for id. Claims that are absent
// produce no header; non-string claims are JSON-encoded.
func (p *Propagator) Propagate(id *jwt.VerifiedIdentity) http.Header {
	h := make(http.Header, len(p.trusted))
	if id == nil {
		return h
	}

	setValue(h, p.keyID, id.KeyID)
	setValue(h, p.issuer, id.Issuer)
	if p.subject != "" {
		setValue(h, p.subject, id.Subject)
	}
	if p.tenant != "" {
		setValue(h, p.tenant, id.Tenant)
	}

	for _, c := range p.claims {
		v, ok := id.Claim(c.claim)
		if !ok {
			continue
		}
		if s, ok := headerValue(v); ok {
			h.Set(c.header, s)
		}
	}
	return h
}

// Apply removes every trusted header from dst, whatever its casing, and
// then copies in the values from set.
func (p *Propagator) Apply(dst, set http.Header) {
	for name := range dst {
		if _, ok := p.trusted[http.CanonicalHeaderKey(name)]; ok {
			delete(dst, name)
		}
	}
	for name, values := range set {
		dst[name] = append([]string(nil), values...)
	}
}

func setValue(h http.Header, name, value string) {
	if s, ok := headerValue(value); ok && s != "" {
		h.Set(name, s)
	}
}

// headerValue renders a claim as a single header line.
func headerValue(v any) (string, bool) {
	if s, ok := v.(string); ok && !hasControl(s) {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}
