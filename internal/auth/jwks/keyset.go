package jwks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Resolver fetches a tenant's current public key set.
type Resolver interface {
	Fetch(ctx context.Context, tenantID string) (*KeySet, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, tenantID string) (*KeySet, error)

// Fetch calls f.
func (f ResolverFunc) Fetch(ctx context.Context, tenantID string) (*KeySet, error) {
	return f(ctx, tenantID)
}

// KeySet is an immutable set of public verification keys owned by one
// tenant. It has no mutating methods; a refresh produces a new KeySet.
type KeySet struct {
	tenant    string
	fetchedAt time.Time
	keys      map[string]jwk.Key
	raw       []byte
}

// ParseKeySet parses a JWKS document for tenant. Every key must carry a
// kid, must not be restricted to a use other than "sig", and must be public.
func ParseKeySet(tenant string, raw []byte, fetchedAt time.Time) (*KeySet, error) {
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, newResolveError(tenant, ErrMalformedKeySet, err)
	}
	if set.Len() == 0 {
		return nil, newResolveError(tenant, ErrEmptyKeySet, nil)
	}

	keys := make(map[string]jwk.Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if err := checkKey(key); err != nil {
			return nil, newResolveError(tenant, ErrMalformedKeySet, fmt.Errorf("key %d: %w", i, err))
		}
		if _, dup := keys[key.KeyID()]; dup {
			return nil, newResolveError(tenant, ErrMalformedKeySet, fmt.Errorf("duplicate kid %q", key.KeyID()))
		}
		keys[key.KeyID()] = key
	}

	return &KeySet{
		tenant:    tenant,
		fetchedAt: fetchedAt,
		keys:      keys,
		raw:       append([]byte(nil), raw...),
	}, nil
}

func checkKey(key jwk.Key) error {
	if key.KeyID() == "" {
		return errors.New("missing kid")
	}
	if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
		return fmt.Errorf("kid %q: unsupported use %q", key.KeyID(), use)
	}
	switch key.(type) {
	case jwk.RSAPrivateKey, jwk.ECDSAPrivateKey, jwk.OKPPrivateKey, jwk.SymmetricKey:
		return fmt.Errorf("kid %q: not a public key", key.KeyID())
	}
	return nil
}

// Tenant returns the owning tenant.
func (s *KeySet) Tenant() string { return s.tenant }

// FetchedAt returns the time the document was fetched from its origin.
func (s *KeySet) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of keys.
func (s *KeySet) Len() int { return len(s.keys) }

// LookupKeyID returns the key with the given kid.
func (s *KeySet) LookupKeyID(kid string) (jwk.Key, bool) {
	key, ok := s.keys[kid]
	return key, ok
}

// KeyIDs returns the sorted key identifiers.
func (s *KeySet) KeyIDs() []string {
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// Raw returns a copy of the source document.
func (s *KeySet) Raw() []byte {
	return append([]byte(nil), s.raw...)
}
