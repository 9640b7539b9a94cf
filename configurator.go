package fluent

import "reflect"

// ServiceConfigurator is handed to ServiceModule.ConfigureServices. Bindings
// started from it are attributed to the module in their descriptors.
type ServiceConfigurator struct {
	registry *ServiceRegistry
	module   string
	logger   Logger
}

// NewServiceConfigurator creates a configurator committing to registry on behalf of module.
func NewServiceConfigurator(registry *ServiceRegistry, module string, logger Logger) *ServiceConfigurator {
	return &ServiceConfigurator{registry: registry, module: module, logger: loggerOrNop(logger)}
}

// Module returns the name of the module the configurator acts for.
func (c *ServiceConfigurator) Module() string { return c.module }

func (c *ServiceConfigurator) Logger() Logger { return c.logger }

// Registry returns the underlying registry, for lookups during configuration.
func (c *ServiceConfigurator) Registry() *ServiceRegistry { return c.registry }

// MiddlewareConfigurator is handed to MiddlewareModule.ConfigureMiddleware.
type MiddlewareConfigurator struct {
	registry *MiddlewareRegistry
	module   string
	logger   Logger
}

// NewMiddlewareConfigurator creates a configurator committing to registry on behalf of module.
func NewMiddlewareConfigurator(registry *MiddlewareRegistry, module string, logger Logger) *MiddlewareConfigurator {
	return &MiddlewareConfigurator{registry: registry, module: module, logger: loggerOrNop(logger)}
}

func (c *MiddlewareConfigurator) Module() string { return c.module }

func (c *MiddlewareConfigurator) Logger() Logger { return c.logger }

func (c *MiddlewareConfigurator) Registry() *MiddlewareRegistry { return c.registry }

// ServiceType returns the reflect.Type of S, for To.
func ServiceType[S any]() reflect.Type { return reflect.TypeFor[S]() }

// MiddlewareType returns the reflect.Type of M, for DependsOn, Precedes and Follows.
func MiddlewareType[M Middleware]() reflect.Type { return reflect.TypeFor[M]() }
