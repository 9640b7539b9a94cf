package fluent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/fluent/feeders"
)

// Option configures an Application.
type Option func(*ApplicationBuilder) error

// ApplicationBuilder collects the options of NewApplication.
type ApplicationBuilder struct {
	logger       Logger
	config       *Config
	feeders      []Feeder
	watchFiles   []string
	modules      []Module
	capabilities []Capability
	observers    []observerSpec
	metrics      *Metrics
	routes       []func(chi.Router)
	properties   map[string]any
	syncEvents   bool
}

type observerSpec struct {
	observer   Observer
	eventTypes []string
}

// NewApplication creates an application from opts. Modules are validated here
// but not configured until Init.
func NewApplication(opts ...Option) (*Application, error) {
	b := &ApplicationBuilder{properties: make(map[string]any)}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Build constructs the application.
func (b *ApplicationBuilder) Build() (*Application, error) {
	for _, m := range b.modules {
		if err := validateModule(m); err != nil {
			return nil, err
		}
	}
	if b.logger == nil {
		b.logger = NopLogger{}
	}
	if len(b.capabilities) == 0 {
		b.capabilities = AllCapabilities
	}

	events := NewEventBus(b.logger, b.syncEvents)
	for _, o := range b.observers {
		if err := events.RegisterObserver(o.observer, o.eventTypes...); err != nil {
			return nil, fmt.Errorf("registering observer %s: %w", o.observer.ObserverID(), err)
		}
	}

	return &Application{
		logger:       b.logger,
		config:       b.config,
		feeders:      b.feeders,
		watchFiles:   b.watchFiles,
		modules:      b.modules,
		capabilities: b.capabilities,
		events:       events,
		metrics:      b.metrics,
		routes:       b.routes,
		properties:   b.properties,
	}, nil
}

// WithLogger sets the application logger. Without it nothing is logged.
func WithLogger(logger Logger) Option {
	return func(b *ApplicationBuilder) error {
		b.logger = logger
		return nil
	}
}

// WithConfig uses cfg instead of loading configuration from feeders.
// Defaults and validation still apply.
func WithConfig(cfg *Config) Option {
	return func(b *ApplicationBuilder) error {
		if cfg == nil {
			return ErrConfigNil
		}
		b.config = cfg
		return nil
	}
}

// WithConfigFeeders loads configuration from feeders, in order, on Init and Reload.
func WithConfigFeeders(feeders ...Feeder) Option {
	return func(b *ApplicationBuilder) error {
		b.feeders = append(b.feeders, feeders...)
		return nil
	}
}

// WithConfigFiles loads each file with the feeder matching its extension:
// .yaml/.yml, .toml, .json or .env. Files are applied in order.
func WithConfigFiles(paths ...string) Option {
	return func(b *ApplicationBuilder) error {
		for _, path := range paths {
			f, err := feederForFile(path)
			if err != nil {
				return err
			}
			b.feeders = append(b.feeders, f)
		}
		return nil
	}
}

// WithEnvConfig reads environment variables, named by the `env` tags of
// Config and optionally prefixed, after any feeder added before it.
func WithEnvConfig(prefix string) Option {
	return func(b *ApplicationBuilder) error {
		b.feeders = append(b.feeders, feeders.NewEnvFeeder(prefix))
		return nil
	}
}

func feederForFile(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return feeders.NewYamlFeeder(path), nil
	case ".toml":
		return feeders.NewTomlFeeder(path), nil
	case ".json":
		return feeders.NewJSONFeeder(path), nil
	case ".env":
		return feeders.NewDotEnvFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfigFormat, path)
	}
}

// WithConfigWatch reloads the application when any of files changes.
func WithConfigWatch(files ...string) Option {
	return func(b *ApplicationBuilder) error {
		b.watchFiles = append(b.watchFiles, files...)
		return nil
	}
}

// WithModules appends modules in configuration order.
func WithModules(modules ...Module) Option {
	return func(b *ApplicationBuilder) error {
		b.modules = append(b.modules, modules...)
		return nil
	}
}

// WithManifest appends the modules returned by manifest. A manifest is the
// explicit list of modules a host application composes.
func WithManifest(manifest func() []Module) Option {
	return func(b *ApplicationBuilder) error {
		if manifest == nil {
			return fmt.Errorf("%w: nil manifest", ErrInvalidModule)
		}
		b.modules = append(b.modules, manifest()...)
		return nil
	}
}

// WithCapabilities restricts the module registry to the given capabilities.
// A module of any other capability fails Init with ErrNoHandlerFound.
func WithCapabilities(caps ...Capability) Option {
	return func(b *ApplicationBuilder) error {
		b.capabilities = caps
		return nil
	}
}

// WithObserver registers an observer for application events.
func WithObserver(observer Observer, eventTypes ...string) Option {
	return func(b *ApplicationBuilder) error {
		b.observers = append(b.observers, observerSpec{observer: observer, eventTypes: eventTypes})
		return nil
	}
}

// WithSynchronousEvents delivers events on the emitting goroutine.
func WithSynchronousEvents() Option {
	return func(b *ApplicationBuilder) error {
		b.syncEvents = true
		return nil
	}
}

// WithMetrics records registration and pipeline metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(b *ApplicationBuilder) error {
		b.metrics = m
		return nil
	}
}

// WithRoutes registers routes on every pipeline router the application builds.
func WithRoutes(routes func(r chi.Router)) Option {
	return func(b *ApplicationBuilder) error {
		b.routes = append(b.routes, routes)
		return nil
	}
}

// WithModuleProperty exposes a value to modules through ModuleContext.Properties.
func WithModuleProperty(key string, value any) Option {
	return func(b *ApplicationBuilder) error {
		b.properties[key] = value
		return nil
	}
}
