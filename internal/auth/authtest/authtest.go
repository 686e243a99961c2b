// Package authtest provides signing keys, key set documents and tokens for
// tests of the authentication packages.
package authtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/require"
)

// Key is a signing key pair with its public JWK.
type Key struct {
	KID     string
	Alg     jwa.SignatureAlgorithm
	private crypto.Signer
	Public  jwk.Key
}

// NewES256Key generates a P-256 key.
func NewES256Key(t testing.TB, kid string) *Key {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return newKey(t, kid, jwa.ES256, priv)
}

// NewEdDSAKey generates an Ed25519 key.
func NewEdDSAKey(t testing.TB, kid string) *Key {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return newKey(t, kid, jwa.EdDSA, priv)
}

// NewRS256Key generates a 2048-bit RSA key.
func NewRS256Key(t testing.TB, kid string) *Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return newKey(t, kid, jwa.RS256, priv)
}

func newKey(t testing.TB, kid string, alg jwa.SignatureAlgorithm, priv crypto.Signer) *Key {
	t.Helper()

	pub, err := jwk.FromRaw(priv.Public())
	require.NoError(t, err)
	if kid != "" {
		require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	}
	require.NoError(t, pub.Set(jwk.AlgorithmKey, alg))
	require.NoError(t, pub.Set(jwk.KeyUsageKey, jwk.ForSignature))

	return &Key{KID: kid, Alg: alg, private: priv, Public: pub}
}

// PrivateJWK returns the private half as a JWK, for negative tests.
func (k *Key) PrivateJWK(t testing.TB) jwk.Key {
	t.Helper()
	key, err := jwk.FromRaw(k.private)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, k.KID))
	return key
}

// JWKS returns a JSON key set document holding keys.
func JWKS(t testing.TB, keys ...jwk.Key) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, key := range keys {
		require.NoError(t, set.AddKey(key))
	}
	doc, err := json.Marshal(set)
	require.NoError(t, err)
	return doc
}

// PublicJWKS returns a JSON key set with the public halves of keys.
func PublicJWKS(t testing.TB, keys ...*Key) []byte {
	t.Helper()
	pubs := make([]jwk.Key, 0, len(keys))
	for _, k := range keys {
		pubs = append(pubs, k.Public)
	}
	return JWKS(t, pubs...)
}

// Claims is a token payload.
type Claims map[string]any

// StandardClaims returns iss/sub/iat/exp claims valid for an hour.
func StandardClaims(issuer, subject string, now time.Time) Claims {
	return Claims{
		"iss": issuer,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// Sign signs claims with k, putting k.KID and k.Alg in the protected header.
func (k *Key) Sign(t testing.TB, claims Claims) string {
	t.Helper()
	return k.SignWithHeaders(t, claims, nil)
}

// SignWithHeaders signs claims and lets mutate adjust the protected header
// before signing.
func (k *Key) SignWithHeaders(t testing.TB, claims Claims, mutate func(jws.Headers)) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.TypeKey, "JWT"))
	if k.KID != "" {
		require.NoError(t, hdrs.Set(jws.KeyIDKey, k.KID))
	}
	if mutate != nil {
		mutate(hdrs)
	}

	token, err := jws.Sign(payload, jws.WithKey(k.Alg, k.private, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(token)
}

// UnsignedToken builds a token with alg "none" and the given header and claims.
func UnsignedToken(t testing.TB, header map[string]any, claims Claims) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	c, err := json.Marshal(claims)
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(h) + "." + enc.EncodeToString(c) + "."
}
