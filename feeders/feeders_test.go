package feeders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type override struct {
	Enabled  *bool         `yaml:"enabled" toml:"enabled" json:"enabled"`
	Priority *int          `yaml:"priority" toml:"priority" json:"priority"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

type appConfig struct {
	Environment string              `yaml:"environment" toml:"environment" json:"environment" env:"ENVIRONMENT"`
	Mode        string              `yaml:"conflict_mode" toml:"conflict_mode" json:"conflict_mode" env:"CONFLICT_MODE"`
	Strict      bool                `yaml:"strict" toml:"strict" json:"strict" env:"STRICT"`
	Workers     int                 `yaml:"workers" toml:"workers" json:"workers" env:"WORKERS"`
	Grace       time.Duration       `yaml:"grace" toml:"grace" env:"GRACE"`
	Tags        []string            `yaml:"tags" toml:"tags" json:"tags" env:"TAGS"`
	Limit       *int                `env:"LIMIT"`
	Middleware  map[string]override `yaml:"middleware" toml:"middleware" json:"middleware"`
	Nested      struct {
		Region string `yaml:"region" toml:"region" json:"region" env:"REGION"`
	} `yaml:"nested" toml:"nested" json:"nested"`
}

type cacheSection struct {
	TTL  string `yaml:"ttl" toml:"ttl" json:"ttl"`
	Size int    `yaml:"size" toml:"size" json:"size"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYamlFeeder(t *testing.T) {
	path := writeFile(t, "app.yaml", `
environment: staging
conflict_mode: prevent
workers: 4
grace: 3s
tags: [a, b]
middleware:
  auth:
    enabled: false
    priority: 7
    timeout: 250ms
nested:
  region: eu
cache:
  ttl: 1m
  size: 128
`)
	var cfg appConfig
	require.NoError(t, NewYamlFeeder(path).Feed(&cfg))

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "prevent", cfg.Mode)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3*time.Second, cfg.Grace)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, "eu", cfg.Nested.Region)
	require.Contains(t, cfg.Middleware, "auth")
	auth := cfg.Middleware["auth"]
	require.NotNil(t, auth.Enabled)
	assert.False(t, *auth.Enabled)
	assert.Equal(t, 7, *auth.Priority)
	assert.Equal(t, 250*time.Millisecond, auth.Timeout)

	var cache cacheSection
	require.NoError(t, NewYamlFeeder(path).FeedKey("cache", &cache))
	assert.Equal(t, cacheSection{TTL: "1m", Size: 128}, cache)

	var missing cacheSection
	require.NoError(t, NewYamlFeeder(path).FeedKey("absent", &missing))
	assert.Zero(t, missing)
}

func TestTomlFeeder(t *testing.T) {
	path := writeFile(t, "app.toml", `
environment = "production"
workers = 8
grace = "2s"
tags = ["x"]

[middleware.cors]
priority = 1

[nested]
region = "us"

[cache]
ttl = "5m"
size = 64
`)
	var cfg appConfig
	require.NoError(t, NewTomlFeeder(path).Feed(&cfg))

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.Grace)
	assert.Equal(t, []string{"x"}, cfg.Tags)
	assert.Equal(t, "us", cfg.Nested.Region)
	require.NotNil(t, cfg.Middleware["cors"].Priority)
	assert.Equal(t, 1, *cfg.Middleware["cors"].Priority)

	var cache cacheSection
	require.NoError(t, NewTomlFeeder(path).FeedKey("cache", &cache))
	assert.Equal(t, cacheSection{TTL: "5m", Size: 64}, cache)
}

func TestJSONFeeder(t *testing.T) {
	path := writeFile(t, "app.json", `{
  "environment": "test",
  "strict": true,
  "middleware": {"logging": {"enabled": true}},
  "cache": {"ttl": "10s", "size": 1}
}`)
	var cfg appConfig
	require.NoError(t, NewJSONFeeder(path).Feed(&cfg))

	assert.Equal(t, "test", cfg.Environment)
	assert.True(t, cfg.Strict)
	require.NotNil(t, cfg.Middleware["logging"].Enabled)
	assert.True(t, *cfg.Middleware["logging"].Enabled)

	var cache cacheSection
	require.NoError(t, NewJSONFeeder(path).FeedKey("cache", &cache))
	assert.Equal(t, cacheSection{TTL: "10s", Size: 1}, cache)
}

func TestFileFeeders_Errors(t *testing.T) {
	var cfg appConfig

	err := NewYamlFeeder("").Feed(&cfg)
	assert.ErrorIs(t, err, ErrMissingPath)

	err = NewTomlFeeder(filepath.Join(t.TempDir(), "nope.toml")).Feed(&cfg)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := writeFile(t, "bad.json", `{"environment": `)
	err = NewJSONFeeder(bad).Feed(&cfg)
	assert.ErrorIs(t, err, ErrDecode)

	badYaml := writeFile(t, "bad.yaml", "workers: [not, a, number]")
	err = NewYamlFeeder(badYaml).Feed(&cfg)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEnvFeeder(t *testing.T) {
	t.Setenv("APP_ENVIRONMENT", "ci")
	t.Setenv("APP_STRICT", "true")
	t.Setenv("APP_WORKERS", "12")
	t.Setenv("APP_GRACE", "750ms")
	t.Setenv("APP_TAGS", "one, two")
	t.Setenv("APP_LIMIT", "3")
	t.Setenv("APP_REGION", "apac")
	t.Setenv("APP_CONFLICT_MODE", "")

	cfg := appConfig{Mode: "merge"}
	require.NoError(t, NewEnvFeeder("app").Feed(&cfg))

	assert.Equal(t, "ci", cfg.Environment)
	assert.Equal(t, "merge", cfg.Mode, "empty variables do not clear values")
	assert.True(t, cfg.Strict)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Grace)
	assert.Equal(t, []string{"one", "two"}, cfg.Tags)
	require.NotNil(t, cfg.Limit)
	assert.Equal(t, 3, *cfg.Limit)
	assert.Equal(t, "apac", cfg.Nested.Region)
}

func TestEnvFeeder_Errors(t *testing.T) {
	var cfg appConfig
	assert.ErrorIs(t, NewEnvFeeder("").Feed(cfg), ErrEnvInvalidStructure)

	f := EnvFeeder{lookup: func(name string) (string, bool) {
		if name == "WORKERS" {
			return "many", true
		}
		return "", false
	}}
	err := f.Feed(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Workers")

	var unsupported struct {
		Ch chan int `env:"CH"`
	}
	f = EnvFeeder{lookup: func(string) (string, bool) { return "x", true }}
	assert.ErrorIs(t, f.Feed(&unsupported), ErrEnvUnsupportedType)
}

func TestDotEnvFeeder(t *testing.T) {
	path := writeFile(t, ".env", `
# local overrides
export ENVIRONMENT=local
WORKERS = 2
TAGS="a,b"
REGION='mars'
CONFLICT_MODE=warn_and_replace
`)
	t.Setenv("REGION", "earth")

	var cfg appConfig
	require.NoError(t, NewDotEnvFeeder(path).Feed(&cfg))

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, "warn_and_replace", cfg.Mode)
	assert.Equal(t, "earth", cfg.Nested.Region, "the process environment wins over the file")
}

func TestDotEnvFeeder_Prefix(t *testing.T) {
	path := writeFile(t, ".env", "SVC_ENVIRONMENT=prefixed\nENVIRONMENT=ignored\n")

	var cfg appConfig
	require.NoError(t, DotEnvFeeder{Path: path, Prefix: "svc"}.Feed(&cfg))
	assert.Equal(t, "prefixed", cfg.Environment)
}

func TestDotEnvFeeder_ParseErrors(t *testing.T) {
	for name, content := range map[string]string{
		"missing equals": "JUSTAKEY\n",
		"empty key":      "=value\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, ".env", content)
			var cfg appConfig
			err := NewDotEnvFeeder(path).Feed(&cfg)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}
