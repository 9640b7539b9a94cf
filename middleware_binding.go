package fluent

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"
)

// MiddlewareBinding is the fluent builder returned by UseMiddleware.
type MiddlewareBinding[M Middleware] struct {
	configurator *MiddlewareConfigurator
	desc         *MiddlewareDescriptor
	mode         ConflictMode
	err          error
	registered   bool
}

// UseMiddleware starts a registration for middleware type M.
//
//	fluent.UseMiddleware[*Auth](c).WithPriority(10).DependsOn(fluent.MiddlewareType[*Logging]()).Register()
func UseMiddleware[M Middleware](c *MiddlewareConfigurator) *MiddlewareBinding[M] {
	return &MiddlewareBinding[M]{
		configurator: c,
		desc:         newMiddlewareDescriptor(reflect.TypeFor[M]()),
	}
}

func (b *MiddlewareBinding[M]) fail(err error) {
	b.err = errors.Join(b.err, err)
}

// Named sets the display and config name. It is not part of the key.
func (b *MiddlewareBinding[M]) Named(name string) *MiddlewareBinding[M] {
	b.desc.name = name
	return b
}

// WithPriority sets the priority; lower values run earlier.
func (b *MiddlewareBinding[M]) WithPriority(priority int) *MiddlewareBinding[M] {
	b.desc.priority, b.desc.prioritySet = priority, true
	return b
}

// DependsOn requires the given middleware to run before M.
func (b *MiddlewareBinding[M]) DependsOn(types ...reflect.Type) *MiddlewareBinding[M] {
	b.desc.dependencies = b.addTypes(b.desc.dependencies, "DependsOn", types)
	return b
}

// Precedes requires M to run before the given middleware.
func (b *MiddlewareBinding[M]) Precedes(types ...reflect.Type) *MiddlewareBinding[M] {
	b.desc.precedes = b.addTypes(b.desc.precedes, "Precedes", types)
	return b
}

// Follows requires M to run after the given middleware.
func (b *MiddlewareBinding[M]) Follows(types ...reflect.Type) *MiddlewareBinding[M] {
	b.desc.follows = b.addTypes(b.desc.follows, "Follows", types)
	return b
}

func (b *MiddlewareBinding[M]) addTypes(set []reflect.Type, method string, types []reflect.Type) []reflect.Type {
	for _, t := range types {
		if t == nil || !t.Implements(middlewareInterface) {
			b.fail(fmt.Errorf("%s(%v) on %s: %w", method, t, b.desc.typ, ErrNotMiddleware))
			continue
		}
		set = appendUniqueType(set, t)
	}
	return set
}

func (b *MiddlewareBinding[M]) InGroup(group string) *MiddlewareBinding[M] {
	b.desc.group = group
	return b
}

// When sets the per-request condition. A false result skips M for that request.
func (b *MiddlewareBinding[M]) When(condition func(*http.Request) bool) *MiddlewareBinding[M] {
	b.desc.condition = condition
	return b
}

// Enabled includes or excludes M from ordering.
func (b *MiddlewareBinding[M]) Enabled(enabled bool) *MiddlewareBinding[M] {
	b.desc.enabled, b.desc.enabledSet = enabled, true
	return b
}

func (b *MiddlewareBinding[M]) WithTimeout(timeout time.Duration) *MiddlewareBinding[M] {
	if timeout < 0 {
		b.fail(fmt.Errorf("middleware %s: negative timeout %s", b.desc.typ, timeout))
		return b
	}
	b.desc.timeout = timeout
	return b
}

// OnError registers a handler notified when M fails, times out or its circuit is open.
func (b *MiddlewareBinding[M]) OnError(handler func(*http.Request, error)) *MiddlewareBinding[M] {
	b.desc.errorHandler = handler
	return b
}

// WithFallback sets the handler that serves the request when M fails.
func (b *MiddlewareBinding[M]) WithFallback(fallback http.Handler) *MiddlewareBinding[M] {
	b.desc.fallback = fallback
	return b
}

func (b *MiddlewareBinding[M]) WithCircuitBreaker(settings CircuitBreakerSettings) *MiddlewareBinding[M] {
	b.desc.breaker = &settings
	return b
}

// WithInstance uses a pre-built middleware value.
func (b *MiddlewareBinding[M]) WithInstance(instance M) *MiddlewareBinding[M] {
	if b.desc.instance != nil || b.desc.factory != nil {
		b.fail(fmt.Errorf("middleware %s: %w", b.desc.typ, ErrSourceAlreadySet))
		return b
	}
	b.desc.instance = instance
	return b
}

// WithFactory builds the middleware from the container when the pipeline is built.
func (b *MiddlewareBinding[M]) WithFactory(factory func(r Resolver) (M, error)) *MiddlewareBinding[M] {
	if b.desc.instance != nil || b.desc.factory != nil {
		b.fail(fmt.Errorf("middleware %s: %w", b.desc.typ, ErrSourceAlreadySet))
		return b
	}
	if factory == nil {
		b.fail(fmt.Errorf("middleware %s: %w: nil factory", b.desc.typ, ErrNoImplementationSource))
		return b
	}
	b.desc.factory = func(r Resolver) (Middleware, error) {
		return factory(r)
	}
	return b
}

// OnConflict overrides the registry's conflict mode for this registration only.
func (b *MiddlewareBinding[M]) OnConflict(mode ConflictMode) *MiddlewareBinding[M] {
	if !mode.IsValid() {
		b.fail(fmt.Errorf("%w: %s", ErrUnknownConflictMode, mode))
		return b
	}
	b.mode = mode
	return b
}

// Register seals the registration and commits it to the middleware registry.
func (b *MiddlewareBinding[M]) Register() (*MiddlewareDescriptor, error) {
	if b.registered {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorSealed, b.desc.keyString())
	}
	b.registered = true
	if b.err != nil {
		return nil, b.err
	}
	b.desc.registeredBy = b.configurator.module
	if err := b.desc.seal(); err != nil {
		return nil, err
	}
	return b.configurator.registry.RegisterWithMode(b.desc, b.mode)
}
