package cors

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Errors returned when parsing origins and origin patterns.
var (
	ErrInvalidOrigin   = errors.New("invalid origin")
	ErrNullOrigin      = errors.New("null origin is not allowed")
	ErrWildcardOrigin  = errors.New("match-all origin is not allowed")
	ErrInvalidPattern  = errors.New("invalid origin pattern")
	ErrOverbroadDomain = errors.New("wildcard pattern must name at least a registrable domain")
)

// Origin is a normalized serialized origin: lower-case scheme and host,
// default port removed.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// String returns the serialized form, e.g. "https://app.example:8443".
func (o Origin) String() string {
	if o.Port == "" {
		if strings.Contains(o.Host, ":") {
			return o.Scheme + "://[" + o.Host + "]"
		}
		return o.Scheme + "://" + o.Host
	}
	return o.Scheme + "://" + net.JoinHostPort(o.Host, o.Port)
}

// ParseOrigin parses and normalizes the value of an Origin header. Only
// http and https origins without userinfo, path, query or fragment are
// accepted; "null" is always rejected.
func ParseOrigin(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, ErrInvalidOrigin
	}
	if strings.EqualFold(raw, "null") {
		return Origin{}, ErrNullOrigin
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, fmt.Errorf("%w: %s", ErrInvalidOrigin, err.Error())
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" ||
		(u.Path != "" && u.Path != "/") || strings.HasSuffix(raw, "?") || strings.HasSuffix(raw, "#") {
		return Origin{}, fmt.Errorf("%w: %q is not a bare origin", ErrInvalidOrigin, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{}, fmt.Errorf("%w: missing host", ErrInvalidOrigin)
	}

	port, err := normalizePort(scheme, u.Port())
	if err != nil {
		return Origin{}, err
	}

	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

func normalizePort(scheme, port string) (string, error) {
	if port == "" {
		return "", nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidOrigin, port)
	}
	if (scheme == "https" && n == 443) || (scheme == "http" && n == 80) {
		return "", nil
	}
	return strconv.Itoa(n), nil
}

// OriginPattern is one entry of an allow-list: either an exact origin or a
// wildcard-subdomain pattern such as "https://*.example.com" that matches
// exactly one additional DNS label.
type OriginPattern struct {
	origin   Origin
	wildcard bool
}

// ParseOriginPattern parses an allow-list entry. The match-all "*", "null",
// scheme-less entries and wildcards whose suffix is itself a public suffix
// (com, co.uk, github.io) are rejected.
func ParseOriginPattern(raw string) (OriginPattern, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "*":
		return OriginPattern{}, ErrWildcardOrigin
	case strings.EqualFold(raw, "null"):
		return OriginPattern{}, ErrNullOrigin
	case !strings.Contains(raw, "://"):
		return OriginPattern{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidPattern, raw)
	}

	idx := strings.Index(raw, "://")
	scheme, rest := raw[:idx], raw[idx+3:]

	if !strings.HasPrefix(rest, "*.") {
		if strings.Contains(rest, "*") {
			return OriginPattern{}, fmt.Errorf("%w: %q has a misplaced wildcard", ErrInvalidPattern, raw)
		}
		o, err := ParseOrigin(raw)
		if err != nil {
			return OriginPattern{}, fmt.Errorf("%w: %s", ErrInvalidPattern, err.Error())
		}
		return OriginPattern{origin: o}, nil
	}

	// Parse the pattern with a placeholder label so url.Parse sees a valid host.
	o, err := ParseOrigin(scheme + "://wildcard." + rest[2:])
	if err != nil {
		return OriginPattern{}, fmt.Errorf("%w: %s", ErrInvalidPattern, err.Error())
	}
	suffix := strings.TrimPrefix(o.Host, "wildcard.")
	if strings.Contains(suffix, "*") {
		return OriginPattern{}, fmt.Errorf("%w: %q has a misplaced wildcard", ErrInvalidPattern, raw)
	}
	if net.ParseIP(suffix) != nil {
		return OriginPattern{}, fmt.Errorf("%w: %q", ErrOverbroadDomain, raw)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(suffix); err != nil {
		return OriginPattern{}, fmt.Errorf("%w: %q", ErrOverbroadDomain, raw)
	}
	o.Host = suffix

	return OriginPattern{origin: o, wildcard: true}, nil
}

// Matches reports whether the normalized origin o is covered by the pattern.
func (p OriginPattern) Matches(o Origin) bool {
	if o.Scheme != p.origin.Scheme || o.Port != p.origin.Port {
		return false
	}
	if !p.wildcard {
		return o.Host == p.origin.Host
	}
	label, ok := strings.CutSuffix(o.Host, "."+p.origin.Host)
	return ok && label != "" && !strings.Contains(label, ".")
}

// String returns the normalized pattern.
func (p OriginPattern) String() string {
	if !p.wildcard {
		return p.origin.String()
	}
	o := p.origin
	o.Host = "*." + o.Host
	return o.String()
}
