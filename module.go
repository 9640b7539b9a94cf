// Package fluent provides a fluent registration layer over a dependency
// container and an HTTP middleware pipeline.
//
// Application code is organised in modules. A module targets exactly one
// configurator: a ServiceModule declares service bindings, a MiddlewareModule
// declares middleware registrations. Modules are listed explicitly by the host
// application; nothing is discovered by scanning.
//
// Basic usage:
//
//	app, err := fluent.NewApplication(
//		fluent.WithLogger(logger),
//		fluent.WithModules(&StorageModule{}, &HTTPMiddlewareModule{}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", app.Handler())
package fluent

import (
	"context"
	"fmt"
)

// Module is a unit of configuration logic.
//
// Every module must also implement exactly one of ServiceModule or
// MiddlewareModule; registries reject anything else with ErrInvalidModule.
// Optional capabilities are expressed by the interfaces below.
type Module interface {
	// Name returns the unique identifier of the module.
	// It is recorded on every descriptor the module registers and used as the
	// "module" field of the module's logger.
	Name() string
}

// ServiceModule declares service bindings.
type ServiceModule interface {
	Module

	// ConfigureServices registers bindings through c, for example:
	//
	//	func (m *StorageModule) ConfigureServices(c *fluent.ServiceConfigurator) error {
	//		_, err := fluent.Bind[Store](c).To(fluent.ServiceType[*sqlStore]()).AsSingleton().Register()
	//		return err
	//	}
	//
	// Returning an error that matches ErrDuplicateRegistration is logged and
	// configuration continues with the next module. Any other error aborts it.
	ConfigureServices(c *ServiceConfigurator) error
}

// MiddlewareModule declares middleware registrations.
type MiddlewareModule interface {
	Module

	// ConfigureMiddleware registers middleware through c. Error handling is the
	// same as for ConfigureServices.
	ConfigureMiddleware(c *MiddlewareConfigurator) error
}

// ConditionalModule can opt out of configuration at startup.
type ConditionalModule interface {
	// ShouldRegister is evaluated once, before the module is configured.
	// Returning false skips the module entirely, including its lifecycle hooks.
	ShouldRegister(mc ModuleContext) bool
}

// ContextAwareModule receives the module context before it is configured.
type ContextAwareModule interface {
	SetModuleContext(mc ModuleContext)
}

// PrioritizedModule controls the position of a module within its registry.
// Lower values are configured first; modules with equal priority keep their
// registration order.
type PrioritizedModule interface {
	Priority() int
}

// LifecycleModule has startup and shutdown hooks that run after all modules
// are configured and the services are applied to the container.
type LifecycleModule interface {
	// Initialize is called once. Failures of different modules are aggregated
	// into a single *InitializationError; one failure does not stop the others.
	Initialize(ctx context.Context) error

	// Shutdown is called in reverse initialization order for every module whose
	// Initialize succeeded.
	Shutdown(ctx context.Context) error
}

// ModuleContext is the information a module can inspect while deciding
// whether and how to configure itself.
type ModuleContext struct {
	// Config is the loaded application configuration. It may be nil when the
	// registry is used without an Application.
	Config *Config
	// Logger is scoped to the module.
	Logger Logger
	// Environment is Config.Environment, copied for convenience.
	Environment string
	// Properties carries host-defined values set with WithModuleProperty.
	Properties map[string]any
	// ConfigSection decodes a top-level section of the configuration files
	// into target, applying defaults and validation. Nil outside an Application.
	ConfigSection func(key string, target any) error
}

// Capability is the kind of a module, used to route it to a registry.
type Capability int

const (
	CapabilityPlain Capability = iota
	CapabilityConditional
	CapabilityContextAware
	CapabilityPrioritized
	CapabilityLifecycle
)

// AllCapabilities lists every capability in configuration order.
var AllCapabilities = []Capability{
	CapabilityPlain,
	CapabilityConditional,
	CapabilityContextAware,
	CapabilityPrioritized,
	CapabilityLifecycle,
}

func (c Capability) String() string {
	switch c {
	case CapabilityPlain:
		return "plain"
	case CapabilityConditional:
		return "conditional"
	case CapabilityContextAware:
		return "context-aware"
	case CapabilityPrioritized:
		return "prioritized"
	case CapabilityLifecycle:
		return "lifecycle"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// CapabilityOf returns the routing capability of m. A module implementing
// several optional interfaces is routed by the first match in the order
// lifecycle, conditional, context-aware, prioritized. The remaining
// interfaces are still honoured by whichever registry holds the module.
func CapabilityOf(m Module) Capability {
	switch m.(type) {
	case LifecycleModule:
		return CapabilityLifecycle
	case ConditionalModule:
		return CapabilityConditional
	case ContextAwareModule:
		return CapabilityContextAware
	case PrioritizedModule:
		return CapabilityPrioritized
	default:
		return CapabilityPlain
	}
}

// validateModule checks that m targets exactly one configurator.
func validateModule(m Module) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidModule)
	}
	_, isService := m.(ServiceModule)
	_, isMiddleware := m.(MiddlewareModule)
	switch {
	case isService && isMiddleware:
		return fmt.Errorf("%w: %q implements both ServiceModule and MiddlewareModule", ErrInvalidModule, m.Name())
	case !isService && !isMiddleware:
		return fmt.Errorf("%w: %q implements neither ServiceModule nor MiddlewareModule", ErrInvalidModule, m.Name())
	}
	return nil
}

func modulePriority(m Module) int {
	if p, ok := m.(PrioritizedModule); ok {
		return p.Priority()
	}
	return DefaultPriority
}
