package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// DefaultClockSkew is the leeway applied to exp and nbf.
const DefaultClockSkew = 30 * time.Second

// DefaultAlgorithms are the signature algorithms accepted unless configured otherwise.
var DefaultAlgorithms = []string{"ES256", "EdDSA", "RS256"}

var tracer = otel.Tracer("edgegw/jwt")

// KeyGetter returns a tenant's public key by kid.
type KeyGetter interface {
	GetKey(ctx context.Context, tenantID, kid string) (jwk.Key, error)
}

// Verifier checks a token's structure, signature and standard claims
// against the keys and policy of one tenant.
type Verifier struct {
	keys       KeyGetter
	policies   PolicySource
	algorithms map[jwa.SignatureAlgorithm]struct{}
	skew       time.Duration
	now        func() time.Time
	logger     observability.Logger
	metrics    *Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAlgorithms restricts the accepted signature algorithms. "none" is
// never accepted.
func WithAlgorithms(algs ...string) Option {
	return func(v *Verifier) {
		v.algorithms = algorithmSet(algs)
	}
}

// WithClockSkew sets the leeway for temporal claims.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d >= 0 {
			v.skew = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// NewVerifier creates a verifier that obtains keys from keys and tenant
// policies from policies.
func NewVerifier(keys KeyGetter, policies PolicySource, opts ...Option) *Verifier {
	v := &Verifier{
		keys:       keys,
		policies:   policies,
		algorithms: algorithmSet(DefaultAlgorithms),
		skew:       DefaultClockSkew,
		now:        time.Now,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func algorithmSet(algs []string) map[jwa.SignatureAlgorithm]struct{} {
	set := make(map[jwa.SignatureAlgorithm]struct{}, len(algs))
	for _, a := range algs {
		alg := jwa.SignatureAlgorithm(a)
		if alg == jwa.NoSignature || alg == "" {
			continue
		}
		set[alg] = struct{}{}
	}
	return set
}

// Verify verifies token for tenantID and returns the identity it asserts.
// Key lookup failures are returned as produced by the KeyGetter.
func (v *Verifier) Verify(ctx context.Context, tenantID, token string) (*VerifiedIdentity, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "jwt.verify",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	id, alg, err := v.verify(ctx, tenantID, token)

	label := string(alg)
	if _, ok := v.algorithms[alg]; !ok {
		label = ""
	}
	v.metrics.record(err, label, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("jwt.kid", id.KeyID),
		attribute.String("jwt.alg", label),
	)
	return id, nil
}

func (v *Verifier) verify(
	ctx context.Context,
	tenantID, token string,
) (*VerifiedIdentity, jwa.SignatureAlgorithm, error) {
	policy, ok := v.policies.Policy(tenantID)
	if !ok {
		return nil, "", invalid(tenantID, "", ErrUnknownTenant, nil)
	}

	raw := []byte(token)
	msg, err := jws.Parse(raw, jws.WithCompact())
	if err != nil {
		return nil, "", invalid(tenantID, "", ErrMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, "", invalid(tenantID, "", ErrMalformedToken, fmt.Errorf("%d signatures", len(sigs)))
	}

	hdr := sigs[0].ProtectedHeaders()
	kid := hdr.KeyID()
	if kid == "" {
		return nil, "", invalid(tenantID, "", ErrMissingKid, nil)
	}
	alg := hdr.Algorithm()
	if _, ok := v.algorithms[alg]; !ok {
		return nil, alg, invalid(tenantID, kid, ErrUnsupportedAlgorithm, fmt.Errorf("alg %q", alg.String()))
	}

	key, err := v.keys.GetKey(ctx, tenantID, kid)
	if err != nil {
		return nil, alg, err
	}

	if ka := key.Algorithm().String(); ka != "" && ka != alg.String() {
		return nil, alg, invalid(tenantID, kid, ErrInvalidSignature,
			fmt.Errorf("key algorithm %s does not match token algorithm %s", ka, alg))
	}

	payload, err := jws.Verify(raw, jws.WithKey(alg, key))
	if err != nil {
		return nil, alg, invalid(tenantID, kid, ErrInvalidSignature, err)
	}

	claims, err := jwxjwt.ParseInsecure(payload)
	if err != nil {
		return nil, alg, invalid(tenantID, kid, ErrMalformedToken, err)
	}

	if err := v.checkClaims(claims, policy); err != nil {
		return nil, alg, invalid(tenantID, kid, err, nil)
	}

	all, err := claims.AsMap(ctx)
	if err != nil {
		return nil, alg, invalid(tenantID, kid, ErrMalformedToken, err)
	}

	return &VerifiedIdentity{
		KeyID:     kid,
		Issuer:    claims.Issuer(),
		Subject:   claims.Subject(),
		Tenant:    tenantID,
		Audience:  claims.Audience(),
		ExpiresAt: claims.Expiration(),
		claims:    all,
	}, alg, nil
}

// checkClaims returns the sentinel for the first failed check.
func (v *Verifier) checkClaims(claims jwxjwt.Token, policy Policy) error {
	now := v.now()

	exp := claims.Expiration()
	if exp.IsZero() {
		return ErrMissingClaim
	}
	if !now.Before(exp.Add(v.skew)) {
		return ErrTokenExpired
	}
	if nbf := claims.NotBefore(); !nbf.IsZero() && now.Add(v.skew).Before(nbf) {
		return ErrTokenNotYetValid
	}

	if policy.Issuer == "" || claims.Issuer() != policy.Issuer {
		return ErrIssuerMismatch
	}

	if len(policy.Audiences) > 0 && !intersects(claims.Audience(), policy.Audiences) {
		return ErrAudienceMismatch
	}
	return nil
}

func intersects(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// IsVerificationError reports whether err is a token verification failure
// rather than a key lookup failure.
func IsVerificationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
