package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/svcregistry/internal/testutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envMap(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.True(t, cfg.Registry.EnableUsageTracking)
	assert.Equal(t, 4, cfg.Tracker.Workers)
	assert.Equal(t, "/metrics", cfg.HTTP.MetricsPath)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	testutil.Isolate(t)

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "svcregistry.yaml", `
registry:
  enable_usage_tracking: false
  max_registrations: 100
  filter_cache_ttl: 30s
tracker:
  workers: 8
declarations:
  path: /etc/svcregistry/services.yaml
  resync: "@every 1m"
`)

	l := NewLoader(path, WithLookup(envMap(nil)))
	cfg, err := l.Load(context.Background())
	require.NoError(t, err)

	assert.False(t, cfg.Registry.EnableUsageTracking)
	assert.Equal(t, 100, cfg.Registry.MaxRegistrations)
	assert.Equal(t, 30*time.Second, cfg.Registry.FilterCacheTTL)
	assert.Equal(t, 8, cfg.Tracker.Workers)
	assert.Equal(t, "/etc/svcregistry/services.yaml", cfg.Declarations.Path)
	// untouched fields keep their defaults
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.True(t, cfg.Declarations.Watch)

	sources := l.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, SourceDefaults, sources[0].Type)
	assert.Equal(t, SourceYAML, sources[1].Type)
	assert.Equal(t, path, sources[1].Location)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "svcregistry.toml", `
[http]
address = "127.0.0.1:9090"
read_timeout = "3s"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := NewLoader(path, WithLookup(envMap(nil))).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	yamlPath := writeFile(t, "bad.yaml", "tracker:\n  workerz: 3\n")
	_, err := NewLoader(yamlPath, WithLookup(envMap(nil))).Load(context.Background())
	assert.Error(t, err)

	tomlPath := writeFile(t, "bad.toml", "[tracker]\nworkerz = 3\n")
	_, err = NewLoader(tomlPath, WithLookup(envMap(nil))).Load(context.Background())
	assert.ErrorIs(t, err, ErrUnknownKeys)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, "svcregistry.ini", "workers=3\n")
	_, err := NewLoader(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "svcregistry.yaml", "tracker:\n  workers: 8\n")

	l := NewLoader(path, WithLookup(envMap(map[string]string{
		"SVCREGISTRY_TRACKER_WORKERS":         "2",
		"SVCREGISTRY_REGISTRY_USAGE_TRACKING": "false",
		"SVCREGISTRY_HTTP_READ_TIMEOUT":       "250ms",
		"SVCREGISTRY_DECLARATIONS_OWNER":      "ops",
		"SVCREGISTRY_LOG_LEVEL":               "",
	})))
	cfg, err := l.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Tracker.Workers)
	assert.False(t, cfg.Registry.EnableUsageTracking)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "ops", cfg.Declarations.Owner)
	assert.Equal(t, "info", cfg.Logging.Level, "empty variables are ignored")

	p, err := l.Provenance("tracker.workers")
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, p.Source)
	assert.Equal(t, "SVCREGISTRY_TRACKER_WORKERS", p.SourceDetail)
	assert.Equal(t, 2, p.Value)

	_, err = l.Provenance("logging.level")
	assert.ErrorIs(t, err, ErrFieldNotTracked)

	sources := l.Sources()
	require.Len(t, sources, 3)
	assert.Equal(t, SourceEnv, sources[2].Type)
	assert.Len(t, sources[2].Overridden, 4)
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	testutil.Isolate(t)
	t.Setenv("SVCREGISTRY_HTTP_ADDRESS", ":9999")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Address)
}

func TestLoad_CustomPrefix(t *testing.T) {
	l := NewLoader("", WithEnvPrefix("reg_"), WithLookup(envMap(map[string]string{
		"REG_TRACKER_WORKERS": "16",
	})))
	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Tracker.Workers)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	l := NewLoader("", WithLookup(envMap(map[string]string{
		"SVCREGISTRY_TRACKER_WORKERS": "many",
	})))
	_, err := l.Load(context.Background())
	assert.ErrorIs(t, err, ErrEnvOverride)

	l = NewLoader("", WithLookup(envMap(map[string]string{
		"SVCREGISTRY_DECLARATIONS_DEBOUNCE": "soon",
	})))
	_, err = l.Load(context.Background())
	assert.ErrorIs(t, err, ErrEnvOverride)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Tracker.Workers = 0 }},
		{"too many workers", func(c *Config) { c.Tracker.Workers = 1000 }},
		{"negative capacity", func(c *Config) { c.Registry.MaxRegistrations = -1 }},
		{"metrics path", func(c *Config) { c.HTTP.MetricsPath = "metrics" }},
		{"empty address", func(c *Config) { c.HTTP.Address = "" }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"resync schedule", func(c *Config) { c.Declarations.Resync = "every minute" }},
		{"declarations owner", func(c *Config) { c.Declarations.Owner = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Declarations.Resync = "*/5 * * * *"
	assert.NoError(t, Validate(cfg))
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("").Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
