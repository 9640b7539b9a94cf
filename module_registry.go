package fluent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ModuleRegistry holds modules and drives their configuration and lifecycle.
type ModuleRegistry interface {
	// CanHandle reports whether m belongs in this registry.
	CanHandle(m Module) bool
	Register(m Module) error
	Modules() []Module
	// Configure runs every held module against the descriptor registries.
	Configure(ctx context.Context, mc ModuleContext, services *ServiceRegistry, middleware *MiddlewareRegistry) error
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// RegistryOption configures a CapabilityRegistry or CompositeRegistry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	events            EventEmitter
	metrics           *Metrics
	parallelLifecycle bool
}

func WithRegistryEvents(e EventEmitter) RegistryOption {
	return func(o *registryOptions) { o.events = e }
}

func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(o *registryOptions) { o.metrics = m }
}

// WithParallelLifecycle initializes lifecycle modules concurrently instead of
// one by one. Shutdown always runs sequentially in reverse order.
func WithParallelLifecycle(parallel bool) RegistryOption {
	return func(o *registryOptions) { o.parallelLifecycle = parallel }
}

// CapabilityRegistry holds the modules of a single capability.
type CapabilityRegistry struct {
	capability Capability
	logger     Logger
	opts       registryOptions

	mu          sync.Mutex
	modules     []Module
	names       map[string]bool
	configured  []Module
	initialized []LifecycleModule
}

// NewCapabilityRegistry creates a registry accepting modules whose CapabilityOf is c.
func NewCapabilityRegistry(c Capability, logger Logger, opts ...RegistryOption) *CapabilityRegistry {
	r := &CapabilityRegistry{
		capability: c,
		logger:     loggerOrNop(logger),
		names:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

func (r *CapabilityRegistry) Capability() Capability { return r.capability }

func (r *CapabilityRegistry) CanHandle(m Module) bool {
	return m != nil && CapabilityOf(m) == r.capability
}

func (r *CapabilityRegistry) Register(m Module) error {
	if err := validateModule(m); err != nil {
		return err
	}
	if !r.CanHandle(m) {
		return &NoHandlerFoundError{Module: m.Name(), Capability: CapabilityOf(m)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[m.Name()] {
		return fmt.Errorf("%w: module %q is already registered", ErrInvalidModule, m.Name())
	}
	r.names[m.Name()] = true
	r.modules = append(r.modules, m)

	r.logger.Debug("Module registered", "module", m.Name(), "capability", r.capability.String())
	emit(context.Background(), r.opts.events, EventTypeModuleRegistered, map[string]any{
		"module":     m.Name(),
		"capability": r.capability.String(),
	})
	return nil
}

// Modules returns the held modules ordered by priority, then registration order.
func (r *CapabilityRegistry) Modules() []Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.modules)
	slices.SortStableFunc(out, func(a, b Module) int {
		return cmp.Compare(modulePriority(a), modulePriority(b))
	})
	return out
}

func (r *CapabilityRegistry) Configure(ctx context.Context, mc ModuleContext, services *ServiceRegistry, middleware *MiddlewareRegistry) error {
	for _, m := range r.Modules() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.configureModule(ctx, m, mc, services, middleware); err != nil {
			return err
		}
	}
	return nil
}

func (r *CapabilityRegistry) configureModule(ctx context.Context, m Module, mc ModuleContext, services *ServiceRegistry, middleware *MiddlewareRegistry) error {
	name := m.Name()
	logger := ModuleLogger(r.logger, name)
	mc.Logger = logger

	if cond, ok := m.(ConditionalModule); ok && !cond.ShouldRegister(mc) {
		logger.Info("Module skipped by its registration condition")
		emit(ctx, r.opts.events, EventTypeModuleSkipped, map[string]any{"module": name})
		return nil
	}
	if aware, ok := m.(ContextAwareModule); ok {
		aware.SetModuleContext(mc)
	}

	var err error
	switch mod := m.(type) {
	case ServiceModule:
		err = mod.ConfigureServices(NewServiceConfigurator(services, name, logger))
	case MiddlewareModule:
		err = mod.ConfigureMiddleware(NewMiddlewareConfigurator(middleware, name, logger))
	}

	switch {
	case errors.Is(err, ErrDuplicateRegistration):
		logger.Warn("Module registration rejected as duplicate, continuing", "error", err)
	case err != nil:
		emit(ctx, r.opts.events, EventTypeModuleFailed, map[string]any{"module": name, "phase": "configure", "error": err.Error()})
		return fmt.Errorf("configuring module %s: %w", name, err)
	}

	r.mu.Lock()
	r.configured = append(r.configured, m)
	r.mu.Unlock()
	emit(ctx, r.opts.events, EventTypeModuleConfigured, map[string]any{"module": name})
	return nil
}

// Configured returns the modules that were configured, in configuration order.
func (r *CapabilityRegistry) Configured() []Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.configured)
}

// Initialize runs Initialize on every configured lifecycle module. All of them
// are attempted; failures are returned together as *InitializationError.
func (r *CapabilityRegistry) Initialize(ctx context.Context) error {
	var targets []LifecycleModule
	for _, m := range r.Configured() {
		if lm, ok := m.(LifecycleModule); ok {
			targets = append(targets, lm)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failures []ModuleFailure
		done     = make([]bool, len(targets))
	)
	run := func(i int) {
		lm := targets[i]
		name := lm.(Module).Name()
		started := time.Now()
		err := lm.Initialize(ctx)
		r.opts.metrics.observeInit(name, started, err)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			r.logger.Error("Module initialization failed", "module", name, "error", err)
			failures = append(failures, ModuleFailure{Module: name, Err: err})
			emit(ctx, r.opts.events, EventTypeModuleFailed, map[string]any{"module": name, "phase": PhaseInitialize, "error": err.Error()})
			return
		}
		done[i] = true
		r.logger.Info("Module initialized", "module", name)
		emit(ctx, r.opts.events, EventTypeModuleInitialized, map[string]any{"module": name})
	}

	if r.opts.parallelLifecycle {
		var g errgroup.Group
		for i := range targets {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range targets {
			run(i)
		}
	}

	r.mu.Lock()
	for i, lm := range targets {
		if done[i] {
			r.initialized = append(r.initialized, lm)
		}
	}
	r.mu.Unlock()

	if len(failures) > 0 {
		// Parallel runs append in completion order; report in module order.
		slices.SortStableFunc(failures, func(a, b ModuleFailure) int {
			return cmp.Compare(indexOfModule(targets, a.Module), indexOfModule(targets, b.Module))
		})
		return &InitializationError{Phase: PhaseInitialize, Failures: failures}
	}
	return nil
}

// Shutdown stops initialized modules in reverse order, attempting all of them.
func (r *CapabilityRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	initialized := r.initialized
	r.initialized = nil
	r.mu.Unlock()

	var failures []ModuleFailure
	for i := len(initialized) - 1; i >= 0; i-- {
		lm := initialized[i]
		name := lm.(Module).Name()
		if err := lm.Shutdown(ctx); err != nil {
			r.logger.Error("Module shutdown failed", "module", name, "error", err)
			failures = append(failures, ModuleFailure{Module: name, Err: err})
			continue
		}
		r.logger.Debug("Module stopped", "module", name)
		emit(ctx, r.opts.events, EventTypeModuleStopped, map[string]any{"module": name})
	}
	if len(failures) > 0 {
		return &InitializationError{Phase: PhaseShutdown, Failures: failures}
	}
	return nil
}

func indexOfModule(ms []LifecycleModule, name string) int {
	return slices.IndexFunc(ms, func(m LifecycleModule) bool { return m.(Module).Name() == name })
}

// CompositeRegistry routes modules to the first sub-registry that can handle them.
type CompositeRegistry struct {
	registries []ModuleRegistry
	logger     Logger

	mu    sync.Mutex
	names map[string]bool
}

// NewCompositeRegistry combines registries. Their order is the configuration order.
func NewCompositeRegistry(logger Logger, registries ...ModuleRegistry) *CompositeRegistry {
	return &CompositeRegistry{
		registries: registries,
		logger:     loggerOrNop(logger),
		names:      make(map[string]bool),
	}
}

// NewDefaultCompositeRegistry creates a composite with one CapabilityRegistry
// per capability, in AllCapabilities order.
func NewDefaultCompositeRegistry(logger Logger, opts ...RegistryOption) *CompositeRegistry {
	subs := make([]ModuleRegistry, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		subs = append(subs, NewCapabilityRegistry(c, logger, opts...))
	}
	return NewCompositeRegistry(logger, subs...)
}

func (c *CompositeRegistry) CanHandle(m Module) bool {
	return c.handlerFor(m) != nil
}

func (c *CompositeRegistry) handlerFor(m Module) ModuleRegistry {
	for _, r := range c.registries {
		if r.CanHandle(m) {
			return r
		}
	}
	return nil
}

// Register routes m. A module no sub-registry claims is a configuration error,
// and so is a name already used by a module of any capability.
func (c *CompositeRegistry) Register(m Module) error {
	if err := validateModule(m); err != nil {
		return err
	}
	r := c.handlerFor(m)
	if r == nil {
		return &NoHandlerFoundError{Module: m.Name(), Capability: CapabilityOf(m)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[m.Name()] {
		return fmt.Errorf("%w: module %q is already registered", ErrInvalidModule, m.Name())
	}
	if err := r.Register(m); err != nil {
		return err
	}
	c.names[m.Name()] = true
	return nil
}

func (c *CompositeRegistry) Modules() []Module {
	var out []Module
	for _, r := range c.registries {
		out = append(out, r.Modules()...)
	}
	return out
}

// Configure runs the sub-registries one after another. Registrations must be
// resolved against each other immediately, so this is never parallel.
func (c *CompositeRegistry) Configure(ctx context.Context, mc ModuleContext, services *ServiceRegistry, middleware *MiddlewareRegistry) error {
	for _, r := range c.registries {
		if err := r.Configure(ctx, mc, services, middleware); err != nil {
			return err
		}
	}
	return nil
}

// Initialize fans out to every sub-registry concurrently and aggregates
// all module failures into one *InitializationError.
func (c *CompositeRegistry) Initialize(ctx context.Context) error {
	return c.fanOut(ctx, PhaseInitialize, ModuleRegistry.Initialize)
}

// Shutdown fans out like Initialize.
func (c *CompositeRegistry) Shutdown(ctx context.Context) error {
	return c.fanOut(ctx, PhaseShutdown, ModuleRegistry.Shutdown)
}

func (c *CompositeRegistry) fanOut(ctx context.Context, phase string, call func(ModuleRegistry, context.Context) error) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, r := range c.registries {
		g.Go(func() error {
			if err := call(r, ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs == nil {
		return nil
	}
	combined := &InitializationError{Phase: phase}
	for _, err := range multierr.Errors(errs) {
		var ie *InitializationError
		if errors.As(err, &ie) {
			combined.Failures = append(combined.Failures, ie.Failures...)
			continue
		}
		combined.Failures = append(combined.Failures, ModuleFailure{Module: "registry", Err: err})
	}
	c.logger.Error("Module lifecycle failures", "phase", phase, "count", len(combined.Failures))
	return combined
}
