package fluent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the application configuration. Every field can come from YAML,
// TOML or JSON files or from environment variables; unset fields take their
// `default` tag value.
type Config struct {
	// Environment is exposed to modules through ModuleContext.
	Environment string `yaml:"environment" toml:"environment" json:"environment" env:"ENVIRONMENT" default:"development" validate:"required"`

	// ConflictMode is the default policy for registrations that hit an existing key.
	ConflictMode ConflictMode `yaml:"conflict_mode" toml:"conflict_mode" json:"conflict_mode" env:"CONFLICT_MODE" default:"replace" validate:"oneof=replace warn_and_replace prevent merge"`

	// StrictMiddlewareDependencies fails ordering when a DependsOn target is
	// missing or disabled instead of dropping the edge.
	StrictMiddlewareDependencies bool `yaml:"strict_middleware_dependencies" toml:"strict_middleware_dependencies" json:"strict_middleware_dependencies" env:"STRICT_MIDDLEWARE_DEPENDENCIES"`

	// ParallelInitialize initializes lifecycle modules concurrently.
	ParallelInitialize bool `yaml:"parallel_initialize" toml:"parallel_initialize" json:"parallel_initialize" env:"PARALLEL_INITIALIZE"`

	// MetricsNamespace prefixes Prometheus metric names.
	MetricsNamespace string `yaml:"metrics_namespace" toml:"metrics_namespace" json:"metrics_namespace" env:"METRICS_NAMESPACE" default:"fluent" validate:"required"`

	// Middleware holds per-middleware overrides keyed by middleware name.
	Middleware map[string]MiddlewareOverride `yaml:"middleware" toml:"middleware" json:"middleware" validate:"dive"`
}

// MiddlewareOverride changes a registered middleware without touching code.
// Nil and zero fields leave the registration as it is.
type MiddlewareOverride struct {
	Enabled  *bool         `yaml:"enabled" toml:"enabled" json:"enabled"`
	Priority *int          `yaml:"priority" toml:"priority" json:"priority"`
	Group    string        `yaml:"group" toml:"group" json:"group"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"gte=0"`
}

// Feeder populates a configuration struct from one source.
// The types in the feeders package implement it.
type Feeder interface {
	Feed(target any) error
}

// KeyFeeder is a Feeder that can decode a single top-level key. File feeders
// implement it; Application.ConfigSection uses it.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// DefaultConfig returns a Config with only defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	// Defaults on Config are static; they cannot fail.
	_ = ProcessConfigDefaults(cfg)
	return cfg
}

// LoadConfig runs the feeders in order, later ones overriding earlier ones,
// then applies defaults and validates the result.
func LoadConfig(feeders ...Feeder) (*Config, error) {
	cfg := &Config{}
	for _, f := range feeders {
		if err := f.Feed(cfg); err != nil {
			return nil, fmt.Errorf("feeding config with %T: %w", f, err)
		}
	}
	if err := ProcessConfigDefaults(cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig checks the `validate` tags of cfg. All violations are reported
// in one error matching ErrConfigInvalid.
func ValidateConfig(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(msgs, "; "))
}
