package config

import "time"

// Default values applied by ApplyDefaults.
const (
	DefaultServerAddress        = ":8080"
	DefaultFreshnessWindow      = 300 * time.Second
	DefaultResolutionTimeout    = 5 * time.Second
	DefaultVerificationTimeout  = 10 * time.Second
	DefaultClockSkew            = 30 * time.Second
	DefaultMaxStale             = 5 * time.Minute
	DefaultForcedRefreshEvery   = 30 * time.Second
	DefaultBreakerThreshold     = 5
	DefaultBreakerTimeout       = 30 * time.Second
	DefaultTenantHeader         = "X-Tenant-ID"
	DefaultTenantPathPrefix     = "/t/"
	DefaultKeyIDHeader          = "X-JWT-Kid"
	DefaultIssuerHeader         = "X-JWT-Issuer"
	DefaultSubjectHeader        = "X-JWT-Subject"
	DefaultRedisKeyPrefix       = "edgegw:jwks:"
	DefaultMetricsAddress       = ":9090"
	DefaultMetricsPath          = "/metrics"
	DefaultServiceName          = "edgegw"
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultServerReadTimeout    = 15 * time.Second
	DefaultServerWriteTimeout   = 30 * time.Second
	DefaultCORSMaxAgeSeconds    = 600
	DefaultTracingSamplingRatio = 1.0
)

// Tenant ID sources understood by the tenant extractor.
const (
	TenantSourceHeader = "header"
	TenantSourcePath   = "path"
	TenantSourceHost   = "host"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Tenancy       TenancyConfig       `yaml:"tenancy" json:"tenancy"`
	Keys          KeysConfig          `yaml:"keys" json:"keys"`
	Propagation   PropagationConfig   `yaml:"propagation" json:"propagation"`
	Tenants       []TenantConfig      `yaml:"tenants" json:"tenants"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// UpstreamConfig names the single upstream accepted requests are forwarded to.
type UpstreamConfig struct {
	URL string `yaml:"url" json:"url"`
}

// TenancyConfig controls where the tenant hint is read from.
type TenancyConfig struct {
	// Sources is the ordered list of tenant sources (header, path, host).
	Sources    []string `yaml:"sources" json:"sources"`
	Header     string   `yaml:"header" json:"header"`
	PathPrefix string   `yaml:"pathPrefix" json:"pathPrefix"`
	HostSuffix string   `yaml:"hostSuffix" json:"hostSuffix"`
}

// KeysConfig configures key resolution, caching and token verification.
type KeysConfig struct {
	// BaseURL is the default key-distribution base URL.
	BaseURL string `yaml:"baseURL" json:"baseURL"`

	// IssuerBaseURL derives the default expected issuer as <IssuerBaseURL>/t/<tenant>.
	IssuerBaseURL string `yaml:"issuerBaseURL" json:"issuerBaseURL"`

	FreshnessWindow     Duration `yaml:"freshnessWindow" json:"freshnessWindow"`
	ResolutionTimeout   Duration `yaml:"resolutionTimeout" json:"resolutionTimeout"`
	VerificationTimeout Duration `yaml:"verificationTimeout" json:"verificationTimeout"`
	ClockSkew           Duration `yaml:"clockSkew" json:"clockSkew"`
	Algorithms          []string `yaml:"algorithms" json:"algorithms"`

	StaleIfError   StaleIfErrorConfig   `yaml:"staleIfError" json:"staleIfError"`
	ForcedRefresh  ForcedRefreshConfig  `yaml:"forcedRefresh" json:"forcedRefresh"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	SharedStore    SharedStoreConfig    `yaml:"sharedStore" json:"sharedStore"`
}

// StaleIfErrorConfig controls serving expired key sets when a refresh fails.
type StaleIfErrorConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	MaxStale Duration `yaml:"maxStale" json:"maxStale"`
}

// ForcedRefreshConfig throttles TTL-bypassing refreshes triggered by unknown key IDs.
type ForcedRefreshConfig struct {
	Enabled  *bool    `yaml:"enabled" json:"enabled"`
	Interval Duration `yaml:"interval" json:"interval"`
	Burst    int      `yaml:"burst" json:"burst"`
}

// IsEnabled reports whether forced refreshes are enabled (default true).
func (c ForcedRefreshConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CircuitBreakerConfig configures the per-tenant breaker around key resolution.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// SharedStoreConfig configures the Redis document store shared by replicas.
type SharedStoreConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL       string   `yaml:"url" json:"url"`
	KeyPrefix string   `yaml:"keyPrefix" json:"keyPrefix"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// PropagationConfig names the trusted headers injected for upstreams.
type PropagationConfig struct {
	KeyIDHeader   string            `yaml:"keyIDHeader" json:"keyIDHeader"`
	IssuerHeader  string            `yaml:"issuerHeader" json:"issuerHeader"`
	SubjectHeader string            `yaml:"subjectHeader" json:"subjectHeader"`
	TenantHeader  string            `yaml:"tenantHeader" json:"tenantHeader"`
	ClaimHeaders  map[string]string `yaml:"claimHeaders" json:"claimHeaders"`
}

// TenantConfig describes one tenant.
type TenantConfig struct {
	ID          string        `yaml:"id" json:"id"`
	JWKSBaseURL string        `yaml:"jwksBaseURL" json:"jwksBaseURL"`
	Issuer      string        `yaml:"issuer" json:"issuer"`
	Audiences   []string      `yaml:"audiences" json:"audiences"`
	CORS        *CORSConfig   `yaml:"cors" json:"cors"`
	Routes      []RouteConfig `yaml:"routes" json:"routes"`
}

// RouteConfig overrides the tenant CORS policy for a path prefix.
type RouteConfig struct {
	PathPrefix string      `yaml:"pathPrefix" json:"pathPrefix"`
	CORS       *CORSConfig `yaml:"cors" json:"cors"`
}

// CORSConfig is an allow-list policy. There is no allow-all option.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" json:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods" json:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders" json:"allowHeaders"`
	ExposeHeaders    []string `yaml:"exposeHeaders" json:"exposeHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials" json:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge" json:"maxAge"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a configuration with every default applied and no tenants.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with defaults in place.
func ApplyDefaults(cfg *GatewayConfig) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultServerAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(DefaultServerReadTimeout)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(DefaultServerWriteTimeout)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	applyTenancyDefaults(&cfg.Tenancy)
	applyKeysDefaults(&cfg.Keys)
	applyPropagationDefaults(&cfg.Propagation)

	for i := range cfg.Tenants {
		applyCORSDefaults(cfg.Tenants[i].CORS)
		for j := range cfg.Tenants[i].Routes {
			applyCORSDefaults(cfg.Tenants[i].Routes[j].CORS)
		}
	}

	obs := &cfg.Observability
	if obs.Logging.Level == "" {
		obs.Logging.Level = "info"
	}
	if obs.Logging.Format == "" {
		obs.Logging.Format = "json"
	}
	if obs.Metrics.Address == "" {
		obs.Metrics.Address = DefaultMetricsAddress
	}
	if obs.Metrics.Path == "" {
		obs.Metrics.Path = DefaultMetricsPath
	}
	if obs.Tracing.ServiceName == "" {
		obs.Tracing.ServiceName = DefaultServiceName
	}
	if obs.Tracing.SamplingRate == 0 {
		obs.Tracing.SamplingRate = DefaultTracingSamplingRatio
	}
}

func applyTenancyDefaults(t *TenancyConfig) {
	if len(t.Sources) == 0 {
		t.Sources = []string{TenantSourceHeader}
	}
	if t.Header == "" {
		t.Header = DefaultTenantHeader
	}
	if t.PathPrefix == "" {
		t.PathPrefix = DefaultTenantPathPrefix
	}
}

func applyKeysDefaults(k *KeysConfig) {
	if k.IssuerBaseURL == "" {
		k.IssuerBaseURL = k.BaseURL
	}
	if k.FreshnessWindow == 0 {
		k.FreshnessWindow = Duration(DefaultFreshnessWindow)
	}
	if k.ResolutionTimeout == 0 {
		k.ResolutionTimeout = Duration(DefaultResolutionTimeout)
	}
	if k.VerificationTimeout == 0 {
		k.VerificationTimeout = Duration(DefaultVerificationTimeout)
	}
	if k.ClockSkew == 0 {
		k.ClockSkew = Duration(DefaultClockSkew)
	}
	if len(k.Algorithms) == 0 {
		k.Algorithms = []string{"ES256", "EdDSA", "RS256"}
	}
	if k.StaleIfError.MaxStale == 0 {
		k.StaleIfError.MaxStale = Duration(DefaultMaxStale)
	}
	if k.ForcedRefresh.Interval == 0 {
		k.ForcedRefresh.Interval = Duration(DefaultForcedRefreshEvery)
	}
	if k.ForcedRefresh.Burst == 0 {
		k.ForcedRefresh.Burst = 1
	}
	if k.CircuitBreaker.Threshold == 0 {
		k.CircuitBreaker.Threshold = DefaultBreakerThreshold
	}
	if k.CircuitBreaker.Timeout == 0 {
		k.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
	}
	if k.SharedStore.Redis.KeyPrefix == "" {
		k.SharedStore.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}

func applyPropagationDefaults(p *PropagationConfig) {
	if p.KeyIDHeader == "" {
		p.KeyIDHeader = DefaultKeyIDHeader
	}
	if p.IssuerHeader == "" {
		p.IssuerHeader = DefaultIssuerHeader
	}
	if p.SubjectHeader == "" {
		p.SubjectHeader = DefaultSubjectHeader
	}
	if p.TenantHeader == "" {
		p.TenantHeader = DefaultTenantHeader
	}
}

func applyCORSDefaults(c *CORSConfig) {
	if c == nil {
		return
	}
	if len(c.AllowMethods) == 0 {
		c.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}
	}
	if len(c.AllowHeaders) == 0 {
		c.AllowHeaders = []string{"Authorization", "Content-Type", "Accept", "X-Request-ID"}
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultCORSMaxAgeSeconds
	}
}

// FindTenant returns the tenant with the given ID.
func (c *GatewayConfig) FindTenant(id string) (*TenantConfig, bool) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], true
		}
	}
	return nil, false
}
