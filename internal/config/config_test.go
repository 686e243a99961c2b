package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "gateway.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9000", cfg.Upstream.URL)
	assert.Equal(t, []string{TenantSourceHeader, TenantSourcePath}, cfg.Tenancy.Sources)
	assert.Equal(t, DefaultTenantHeader, cfg.Tenancy.Header)
	assert.Equal(t, 300*time.Second, cfg.Keys.FreshnessWindow.Duration())
	assert.Equal(t, 2*time.Second, cfg.Keys.ResolutionTimeout.Duration())
	assert.Equal(t, DefaultVerificationTimeout, cfg.Keys.VerificationTimeout.Duration())
	assert.Equal(t, "https://auth.example", cfg.Keys.IssuerBaseURL)
	assert.True(t, cfg.Keys.StaleIfError.Enabled)
	assert.Equal(t, time.Minute, cfg.Keys.StaleIfError.MaxStale.Duration())
	assert.True(t, cfg.Keys.ForcedRefresh.IsEnabled())
	assert.Equal(t, "X-User-Email", cfg.Propagation.ClaimHeaders["email"])
	assert.Equal(t, DefaultKeyIDHeader, cfg.Propagation.KeyIDHeader)

	require.Len(t, cfg.Tenants, 2)
	t1, ok := cfg.FindTenant("T1")
	require.True(t, ok)
	require.NotNil(t, t1.CORS)
	assert.Equal(t, DefaultCORSMaxAgeSeconds, t1.CORS.MaxAge)
	require.Len(t, t1.Routes, 1)
	assert.NotEmpty(t, t1.Routes[0].CORS.AllowMethods)

	_, ok = cfg.FindTenant("T9")
	assert.False(t, ok)

	assert.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_Shipped(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "gateway.yaml"))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	require.Len(t, cfg.Tenants, 2)
	acme, ok := cfg.FindTenant("acme")
	require.True(t, ok)
	require.Len(t, acme.Routes, 1)
	assert.Equal(t, 300*time.Second, cfg.Keys.FreshnessWindow.Duration())
	assert.Equal(t, "edgegw:jwks:", cfg.Keys.SharedStore.Redis.KeyPrefix)
}

func TestLoadConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("EDGEGW_TEST_UPSTREAM", "http://upstream:8081")

	cfg, err := LoadConfig(filepath.Join("testdata", "gateway.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:8081", cfg.Upstream.URL)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join("testdata", "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfigFromReader(strings.NewReader("server: ["))
	assert.Error(t, err)

	_, err = LoadConfigFromReader(strings.NewReader("keys: {freshnessWindow: soon}"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("EDGEGW_SUBST", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set", input: "a: ${EDGEGW_SUBST}", want: "a: value"},
		{name: "default unused", input: "a: ${EDGEGW_SUBST:-x}", want: "a: value"},
		{name: "default", input: "a: ${EDGEGW_UNSET_VAR:-fallback}", want: "a: fallback"},
		{name: "unset", input: "a: ${EDGEGW_UNSET_VAR}", want: "a: "},
		{name: "escaped", input: "a: $${EDGEGW_SUBST}", want: "a: ${EDGEGW_SUBST}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	var out struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s"), &out))
	assert.Equal(t, 90*time.Second, out.D.Duration())

	b, err := out.D.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"5s"`)))
	assert.Equal(t, 5*time.Second, d.Duration())
	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)
	assert.Error(t, d.UnmarshalJSON([]byte(`"later"`)))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.Equal(t, DefaultFreshnessWindow, cfg.Keys.FreshnessWindow.Duration())
	assert.Equal(t, DefaultClockSkew, cfg.Keys.ClockSkew.Duration())
	assert.Equal(t, []string{"ES256", "EdDSA", "RS256"}, cfg.Keys.Algorithms)
	assert.False(t, cfg.Keys.StaleIfError.Enabled)
	assert.Equal(t, DefaultRedisKeyPrefix, cfg.Keys.SharedStore.Redis.KeyPrefix)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
}

func TestWriteAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream: {url: http://u}\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://u", cfg.Upstream.URL)

	resolved, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	_, err = ResolveConfigPath(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}
