package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/cors"
	"github.com/vyrodovalexey/edgegw/internal/tenant"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *GatewayConfig) error {
	v := NewValidator()
	return v.Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *GatewayConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&config.Server)
	v.validateURL("upstream.url", config.Upstream.URL, true)
	v.validateTenancy(&config.Tenancy)
	v.validateKeys(&config.Keys)
	v.validatePropagation(&config.Propagation)
	v.validateTenants(config)
	v.validateObservability(&config.Observability)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	}
	if s.ReadTimeout < 0 {
		v.addError("server.readTimeout", "must not be negative")
	}
	if s.WriteTimeout < 0 {
		v.addError("server.writeTimeout", "must not be negative")
	}
}

func (v *Validator) validateTenancy(t *TenancyConfig) {
	for i, source := range t.Sources {
		path := fmt.Sprintf("tenancy.sources[%d]", i)
		switch source {
		case TenantSourceHeader, TenantSourcePath:
		case TenantSourceHost:
			if t.HostSuffix == "" {
				v.addError("tenancy.hostSuffix", "hostSuffix is required when the host source is enabled")
			}
		default:
			v.addError(path, fmt.Sprintf("unknown tenant source %q", source))
		}
	}
	if !strings.HasPrefix(t.PathPrefix, "/") || !strings.HasSuffix(t.PathPrefix, "/") {
		v.addError("tenancy.pathPrefix", "pathPrefix must start and end with '/'")
	}
}

func (v *Validator) validateKeys(k *KeysConfig) {
	v.validateURL("keys.baseURL", k.BaseURL, false)
	v.validateURL("keys.issuerBaseURL", k.IssuerBaseURL, false)

	if k.FreshnessWindow <= 0 {
		v.addError("keys.freshnessWindow", "must be positive")
	}
	if k.ResolutionTimeout <= 0 {
		v.addError("keys.resolutionTimeout", "must be positive")
	}
	if k.VerificationTimeout <= 0 {
		v.addError("keys.verificationTimeout", "must be positive")
	}
	if k.ClockSkew < 0 {
		v.addError("keys.clockSkew", "must not be negative")
	}

	for i, alg := range k.Algorithms {
		path := fmt.Sprintf("keys.algorithms[%d]", i)
		switch {
		case strings.EqualFold(alg, "none"):
			v.addError(path, "algorithm 'none' is never accepted")
		case !supportedAlgorithms[alg]:
			v.addError(path, fmt.Sprintf("unsupported algorithm %q", alg))
		}
	}

	if k.StaleIfError.Enabled && k.StaleIfError.MaxStale <= 0 {
		v.addError("keys.staleIfError.maxStale", "must be positive when staleIfError is enabled")
	}
	if k.ForcedRefresh.Interval <= 0 {
		v.addError("keys.forcedRefresh.interval", "must be positive")
	}
	if k.ForcedRefresh.Burst < 0 {
		v.addError("keys.forcedRefresh.burst", "must not be negative")
	}
	if k.CircuitBreaker.Enabled && k.CircuitBreaker.Threshold <= 0 {
		v.addError("keys.circuitBreaker.threshold", "must be positive")
	}
	if k.SharedStore.Enabled {
		if k.SharedStore.Redis.URL == "" {
			v.addError("keys.sharedStore.redis.url", "url is required when the shared store is enabled")
		} else if _, err := url.Parse(k.SharedStore.Redis.URL); err != nil {
			v.addError("keys.sharedStore.redis.url", err.Error())
		}
	}
}

var supportedAlgorithms = map[string]bool{
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

func (v *Validator) validatePropagation(p *PropagationConfig) {
	seen := make(map[string]string)
	check := func(path, name string) {
		if name == "" {
			v.addError(path, "header name is required")
			return
		}
		canonical := strings.ToLower(name)
		if other, ok := seen[canonical]; ok {
			v.addError(path, fmt.Sprintf("header %q already used by %s", name, other))
			return
		}
		seen[canonical] = path
	}

	check("propagation.keyIDHeader", p.KeyIDHeader)
	check("propagation.issuerHeader", p.IssuerHeader)
	check("propagation.subjectHeader", p.SubjectHeader)
	check("propagation.tenantHeader", p.TenantHeader)
	for claim, header := range p.ClaimHeaders {
		check(fmt.Sprintf("propagation.claimHeaders[%s]", claim), header)
	}
}

func (v *Validator) validateTenants(config *GatewayConfig) {
	ids := make(map[string]bool)

	for i := range config.Tenants {
		t := &config.Tenants[i]
		path := fmt.Sprintf("tenants[%d]", i)

		if err := tenant.Validate(t.ID); err != nil {
			v.addError(path+".id", err.Error())
		} else if ids[t.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate tenant id: %s", t.ID))
		}
		ids[t.ID] = true

		v.validateURL(path+".jwksBaseURL", t.JWKSBaseURL, false)
		if t.JWKSBaseURL == "" && config.Keys.BaseURL == "" {
			v.addError(path+".jwksBaseURL", "no key-distribution URL configured for tenant")
		}
		if t.Issuer == "" && config.Keys.IssuerBaseURL == "" {
			v.addError(path+".issuer", "no expected issuer configured for tenant")
		}

		if t.CORS != nil {
			v.validateCORS(t.CORS, path+".cors")
		}

		prefixes := make(map[string]bool)
		for j, route := range t.Routes {
			rpath := fmt.Sprintf("%s.routes[%d]", path, j)
			switch {
			case !strings.HasPrefix(route.PathPrefix, "/"):
				v.addError(rpath+".pathPrefix", "pathPrefix must start with '/'")
			case prefixes[route.PathPrefix]:
				v.addError(rpath+".pathPrefix", fmt.Sprintf("duplicate pathPrefix: %s", route.PathPrefix))
			}
			prefixes[route.PathPrefix] = true

			if route.CORS == nil {
				v.addError(rpath+".cors", "route cors policy is required")
				continue
			}
			v.validateCORS(route.CORS, rpath+".cors")
		}
	}
}

// validateCORS rejects any allow-list entry that is not a concrete origin or
// a single-label subdomain wildcard.
func (v *Validator) validateCORS(c *CORSConfig, path string) {
	for i, origin := range c.AllowOrigins {
		if _, err := cors.ParseOriginPattern(origin); err != nil {
			v.addError(fmt.Sprintf("%s.allowOrigins[%d]", path, i), err.Error())
		}
	}
	for i, header := range c.AllowHeaders {
		if header == "*" {
			v.addError(fmt.Sprintf("%s.allowHeaders[%d]", path, i), "wildcard headers are not allowed")
		}
	}
	for i, method := range c.AllowMethods {
		if method == "*" {
			v.addError(fmt.Sprintf("%s.allowMethods[%d]", path, i), "wildcard methods are not allowed")
		}
	}
	if c.MaxAge < 0 {
		v.addError(path+".maxAge", "must not be negative")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", "level must be one of debug, info, warn, error")
	}
	switch o.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", "format must be json or console")
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "path must start with '/'")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "samplingRate must be between 0 and 1")
	}
}

func (v *Validator) validateURL(path, raw string, required bool) {
	if raw == "" {
		if required {
			v.addError(path, "url is required")
		}
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.addError(path, err.Error())
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.addError(path, "url scheme must be http or https")
	}
	if u.Host == "" {
		v.addError(path, "url host is required")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
