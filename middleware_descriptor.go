package fluent

import (
	"fmt"
	"math"
	"net/http"
	"reflect"
	"slices"
	"time"
)

// DefaultGroup is the group of middleware that never call InGroup.
const DefaultGroup = "DefaultGroup"

// DefaultPriority sorts unprioritized middleware after every prioritized one.
const DefaultPriority = math.MaxInt

// Middleware is implemented by every type registered with UseMiddleware.
// The type itself is the registration key, so adapters around plain
// func(http.Handler) http.Handler values need a named type per middleware.
type Middleware interface {
	Wrap(next http.Handler) http.Handler
}

var middlewareInterface = reflect.TypeFor[Middleware]()

// MiddlewareFactory builds a middleware instance.
type MiddlewareFactory func(r Resolver) (Middleware, error)

// MiddlewareDescriptor is the sealed record of one middleware registration.
type MiddlewareDescriptor struct {
	typ          reflect.Type
	name         string
	priority     int
	prioritySet  bool
	group        string
	dependencies []reflect.Type
	precedes     []reflect.Type
	follows      []reflect.Type
	condition    func(*http.Request) bool
	enabled      bool
	enabledSet   bool
	timeout      time.Duration
	errorHandler func(*http.Request, error)
	fallback     http.Handler
	breaker      *CircuitBreakerSettings
	instance     Middleware
	factory      MiddlewareFactory
	registeredBy string
	index        int
	sealed       bool
}

func newMiddlewareDescriptor(t reflect.Type) *MiddlewareDescriptor {
	return &MiddlewareDescriptor{typ: t, enabled: true, index: -1}
}

func (d *MiddlewareDescriptor) Type() reflect.Type { return d.typ }

// Name returns the configured name, or the type name when none was set.
// Config overrides address middleware by this name.
func (d *MiddlewareDescriptor) Name() string {
	if d.name != "" {
		return d.name
	}
	return d.typ.String()
}

func (d *MiddlewareDescriptor) Priority() int {
	if !d.prioritySet {
		return DefaultPriority
	}
	return d.priority
}

func (d *MiddlewareDescriptor) Group() string {
	if d.group == "" {
		return DefaultGroup
	}
	return d.group
}

func (d *MiddlewareDescriptor) Dependencies() []reflect.Type             { return slices.Clone(d.dependencies) }
func (d *MiddlewareDescriptor) Precedes() []reflect.Type                 { return slices.Clone(d.precedes) }
func (d *MiddlewareDescriptor) Follows() []reflect.Type                  { return slices.Clone(d.follows) }
func (d *MiddlewareDescriptor) Condition() func(*http.Request) bool      { return d.condition }
func (d *MiddlewareDescriptor) IsEnabled() bool                          { return d.enabled }
func (d *MiddlewareDescriptor) Timeout() time.Duration                   { return d.timeout }
func (d *MiddlewareDescriptor) ErrorHandler() func(*http.Request, error) { return d.errorHandler }
func (d *MiddlewareDescriptor) Fallback() http.Handler                   { return d.fallback }
func (d *MiddlewareDescriptor) CircuitBreaker() *CircuitBreakerSettings  { return d.breaker }
func (d *MiddlewareDescriptor) RegisteredBy() string                     { return d.registeredBy }
func (d *MiddlewareDescriptor) Sealed() bool                             { return d.sealed }

// RegistrationIndex is the position at which the key was first committed, or -1.
func (d *MiddlewareDescriptor) RegistrationIndex() int { return d.index }

func (d *MiddlewareDescriptor) keyString() string { return d.typ.String() }

func (d *MiddlewareDescriptor) seal() error {
	if d.sealed {
		return fmt.Errorf("%w: %s", ErrDescriptorSealed, d.keyString())
	}
	if d.typ == nil {
		return fmt.Errorf("%w: missing middleware type", ErrNilDescriptor)
	}
	if !d.typ.Implements(middlewareInterface) {
		return fmt.Errorf("%w: %s", ErrNotMiddleware, d.typ)
	}
	if d.instance != nil && d.factory != nil {
		return fmt.Errorf("middleware %s: %w", d.keyString(), ErrSourceAlreadySet)
	}
	d.dependencies = slices.Clone(d.dependencies)
	d.precedes = slices.Clone(d.precedes)
	d.follows = slices.Clone(d.follows)
	d.sealed = true
	return nil
}

// clone returns an unsealed copy that keeps the registration index.
func (d *MiddlewareDescriptor) clone() *MiddlewareDescriptor {
	out := *d
	out.sealed = false
	out.dependencies = slices.Clone(d.dependencies)
	out.precedes = slices.Clone(d.precedes)
	out.follows = slices.Clone(d.follows)
	if d.breaker != nil {
		b := *d.breaker
		out.breaker = &b
	}
	return &out
}

// merge unions the constraint sets; scalar settings come from incoming when it set them.
func (d *MiddlewareDescriptor) merge(incoming *MiddlewareDescriptor) *MiddlewareDescriptor {
	out := d.clone()
	out.registeredBy = incoming.registeredBy
	out.dependencies = unionTypes(d.dependencies, incoming.dependencies)
	out.precedes = unionTypes(d.precedes, incoming.precedes)
	out.follows = unionTypes(d.follows, incoming.follows)
	if incoming.name != "" {
		out.name = incoming.name
	}
	if incoming.prioritySet {
		out.priority, out.prioritySet = incoming.priority, true
	}
	if incoming.group != "" {
		out.group = incoming.group
	}
	if incoming.condition != nil {
		out.condition = incoming.condition
	}
	if incoming.enabledSet {
		out.enabled, out.enabledSet = incoming.enabled, true
	}
	if incoming.timeout > 0 {
		out.timeout = incoming.timeout
	}
	if incoming.errorHandler != nil {
		out.errorHandler = incoming.errorHandler
	}
	if incoming.fallback != nil {
		out.fallback = incoming.fallback
	}
	if incoming.breaker != nil {
		b := *incoming.breaker
		out.breaker = &b
	}
	if incoming.instance != nil || incoming.factory != nil {
		out.instance, out.factory = incoming.instance, incoming.factory
	}
	out.sealed = true
	return out
}

// withOverride applies a config override, returning a derived sealed descriptor.
func (d *MiddlewareDescriptor) withOverride(o MiddlewareOverride) *MiddlewareDescriptor {
	out := d.clone()
	if o.Enabled != nil {
		out.enabled, out.enabledSet = *o.Enabled, true
	}
	if o.Priority != nil {
		out.priority, out.prioritySet = *o.Priority, true
	}
	if o.Group != "" {
		out.group = o.Group
	}
	if o.Timeout > 0 {
		out.timeout = o.Timeout
	}
	out.sealed = true
	return out
}

func unionTypes(a, b []reflect.Type) []reflect.Type {
	out := slices.Clone(a)
	for _, t := range b {
		out = appendUniqueType(out, t)
	}
	return out
}

func appendUniqueType(set []reflect.Type, t reflect.Type) []reflect.Type {
	if t == nil || slices.Contains(set, t) {
		return set
	}
	return append(set, t)
}
