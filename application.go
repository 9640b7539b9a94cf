package fluent

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/fluent/configwatcher"
)

// Application is the composition root: it owns the registries, the container
// and the current middleware pipeline.
type Application struct {
	logger       Logger
	feeders      []Feeder
	watchFiles   []string
	modules      []Module
	capabilities []Capability
	events       *EventBus
	metrics      *Metrics
	routes       []func(chi.Router)
	properties   map[string]any

	// mu serializes Init, Reload and Shutdown.
	mu         sync.Mutex
	config     *Config
	resolver   *ConflictResolver
	services   *ServiceRegistry
	middleware *MiddlewareRegistry
	registry   *CompositeRegistry
	container  *Container
	watcher    *configwatcher.Watcher

	pipeline    atomic.Pointer[Pipeline]
	handler     atomic.Pointer[http.Handler]
	initialized atomic.Bool
}

// Init loads configuration, configures every module, applies the committed
// descriptors and builds the pipeline before lifecycle modules are initialized.
//
// Errors from ordering, unroutable modules, middleware construction or invalid
// configuration stop Init before any lifecycle module starts. Any later failure
// shuts the started modules down again and closes the container; lifecycle
// failures are returned as *InitializationError.
func (app *Application) Init(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.initialized.Load() {
		return nil
	}
	if err := app.init(ctx); err != nil {
		emit(ctx, app.events, EventTypeApplicationFailed, map[string]any{"phase": "init", "error": err.Error()})
		return err
	}
	app.initialized.Store(true)
	emit(ctx, app.events, EventTypeApplicationInitialized, map[string]any{
		"modules":    len(app.modules),
		"services":   app.services.Len(),
		"middleware": app.pipeline.Load().Order(),
	})
	return nil
}

func (app *Application) init(ctx context.Context) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	app.config = cfg
	if app.metrics == nil {
		app.metrics = NewMetrics(cfg.MetricsNamespace)
	}

	app.resolver = NewConflictResolver(cfg.ConflictMode, app.logger).WithEvents(app.events).WithMetrics(app.metrics)
	app.services = NewServiceRegistry(app.resolver, app.logger)
	app.middleware = NewMiddlewareRegistry(app.resolver, app.logger).WithEvents(app.events)
	app.middleware.SetStrictDependencies(cfg.StrictMiddlewareDependencies)
	app.middleware.SetOverrides(cfg.Middleware)
	app.container = NewContainer(app.logger)

	opts := []RegistryOption{
		WithRegistryEvents(app.events),
		WithRegistryMetrics(app.metrics),
		WithParallelLifecycle(cfg.ParallelInitialize),
	}
	subs := make([]ModuleRegistry, 0, len(app.capabilities))
	for _, c := range app.capabilities {
		subs = append(subs, NewCapabilityRegistry(c, app.logger, opts...))
	}
	app.registry = NewCompositeRegistry(app.logger, subs...)

	for _, m := range app.modules {
		if err := app.registry.Register(m); err != nil {
			return err
		}
	}

	if err := app.registry.Configure(ctx, app.moduleContext(), app.services, app.middleware); err != nil {
		return err
	}

	builder := NewPipelineBuilder(app.logger).WithMetrics(app.metrics).WithEvents(app.events)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.services.Apply(gctx, app.container) })
	g.Go(func() error { return app.middleware.Apply(gctx, builder) })
	if err := g.Wait(); err != nil {
		return app.abortInit(ctx, err)
	}

	// Middleware is instantiated before any lifecycle module starts.
	pipeline, err := builder.Build(app.container)
	if err != nil {
		return app.abortInit(ctx, err)
	}

	if err := app.registry.Initialize(ctx); err != nil {
		return app.abortInit(ctx, err)
	}

	if len(app.watchFiles) > 0 {
		w, err := configwatcher.New(app.watchFiles, app.Reload, configwatcher.WithLogger(app.logger))
		if err != nil {
			return app.abortInit(ctx, err)
		}
		if err := w.Start(context.WithoutCancel(ctx)); err != nil {
			return app.abortInit(ctx, err)
		}
		app.watcher = w
	}

	app.install(pipeline)
	return nil
}

// abortInit stops the lifecycle modules that started, in reverse order, and
// closes the container. It returns cause.
func (app *Application) abortInit(ctx context.Context, cause error) error {
	if err := app.registry.Shutdown(ctx); err != nil {
		app.logger.Error("Shutdown after failed initialization also failed", "error", err)
	}
	if err := app.container.Close(); err != nil {
		app.logger.Error("Closing container after failed initialization failed", "error", err)
	}
	return cause
}

func (app *Application) loadConfig() (*Config, error) {
	if app.config != nil && len(app.feeders) == 0 {
		cfg := *app.config
		cfg.Middleware = maps.Clone(app.config.Middleware)
		if err := ProcessConfigDefaults(&cfg); err != nil {
			return nil, err
		}
		if err := ValidateConfig(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	cfg, err := LoadConfig(app.feeders...)
	if err != nil {
		return nil, err
	}
	app.logger.Info("Configuration loaded", "environment", cfg.Environment, "conflictMode", string(cfg.ConflictMode))
	emit(context.Background(), app.events, EventTypeConfigLoaded, map[string]any{"environment": cfg.Environment})
	return cfg, nil
}

func (app *Application) moduleContext() ModuleContext {
	return ModuleContext{
		Config:        app.config,
		Logger:        app.logger,
		Environment:   app.config.Environment,
		Properties:    maps.Clone(app.properties),
		ConfigSection: app.ConfigSection,
	}
}

// ConfigSection decodes the top-level key of every file feeder into target,
// then applies defaults and validation.
func (app *Application) ConfigSection(key string, target any) error {
	for _, f := range app.feeders {
		kf, ok := f.(KeyFeeder)
		if !ok {
			continue
		}
		if err := kf.FeedKey(key, target); err != nil {
			return fmt.Errorf("config section %s: %w", key, err)
		}
	}
	if err := ProcessConfigDefaults(target); err != nil {
		return fmt.Errorf("config section %s: %w", key, err)
	}
	return ValidateConfig(target)
}

func (app *Application) install(p *Pipeline) {
	router := p.Router()
	for _, routes := range app.routes {
		routes(router)
	}
	var h http.Handler = router
	app.pipeline.Store(p)
	app.handler.Store(&h)
}

// Handler returns a stable handler serving through the current pipeline.
// Before Init it answers 503.
func (app *Application) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := app.handler.Load()
		if h == nil {
			http.Error(w, ErrApplicationNotInitialized.Error(), http.StatusServiceUnavailable)
			return
		}
		(*h).ServeHTTP(w, r)
	})
}

// Reload re-reads configuration and rebuilds the pipeline with the new
// middleware overrides. Modules are not reconfigured. On failure the current
// pipeline keeps serving.
func (app *Application) Reload(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.initialized.Load() {
		return ErrApplicationNotInitialized
	}
	cfg, err := app.loadConfig()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	previous := app.config
	app.middleware.SetStrictDependencies(cfg.StrictMiddlewareDependencies)
	app.middleware.SetOverrides(cfg.Middleware)

	builder := NewPipelineBuilder(app.logger).WithMetrics(app.metrics).WithEvents(app.events)
	if err := app.middleware.Apply(ctx, builder); err != nil {
		app.restoreOverrides(previous)
		return fmt.Errorf("reload: %w", err)
	}
	pipeline, err := builder.Build(app.container)
	if err != nil {
		app.restoreOverrides(previous)
		return fmt.Errorf("reload: %w", err)
	}

	app.config = cfg
	app.install(pipeline)
	app.logger.Info("Application reloaded", "middleware", pipeline.Order())
	emit(ctx, app.events, EventTypeConfigReloaded, map[string]any{"middleware": pipeline.Order()})
	return nil
}

func (app *Application) restoreOverrides(cfg *Config) {
	app.middleware.SetStrictDependencies(cfg.StrictMiddlewareDependencies)
	app.middleware.SetOverrides(cfg.Middleware)
}

// Shutdown stops the config watcher, shuts lifecycle modules down and closes
// the container. All steps run; their errors are combined.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.initialized.Load() {
		return ErrApplicationNotInitialized
	}

	var err error
	if app.watcher != nil {
		err = multierr.Append(err, app.watcher.Close())
		app.watcher = nil
	}
	err = multierr.Append(err, app.registry.Shutdown(ctx))
	err = multierr.Append(err, app.container.Close())
	app.initialized.Store(false)
	app.handler.Store(nil)
	app.pipeline.Store(nil)

	if err != nil {
		app.logger.Error("Application shutdown finished with errors", "error", err)
	}
	emit(ctx, app.events, EventTypeApplicationStopped, map[string]any{"clean": err == nil})
	return err
}

// Config returns the active configuration.
func (app *Application) Config() *Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.config
}

// Container returns the service container. It is nil before Init.
func (app *Application) Container() *Container { return app.container }

// Services returns the service descriptor registry. It is nil before Init.
func (app *Application) Services() *ServiceRegistry { return app.services }

// Middleware returns the middleware descriptor registry. It is nil before Init.
func (app *Application) Middleware() *MiddlewareRegistry { return app.middleware }

// Pipeline returns the pipeline currently serving requests.
func (app *Application) Pipeline() (*Pipeline, error) {
	p := app.pipeline.Load()
	if p == nil {
		return nil, ErrPipelineNotBuilt
	}
	return p, nil
}

// Events returns the application's event subject.
func (app *Application) Events() Subject { return app.events }

// Metrics returns the metrics collector. It is nil before Init unless WithMetrics was used.
func (app *Application) Metrics() *Metrics { return app.metrics }

// IsInitialized reports whether Init completed and Shutdown has not run.
func (app *Application) IsInitialized() bool { return app.initialized.Load() }
