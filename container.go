package fluent

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Resolver resolves service instances by contract type and optional name.
// Factories receive a Resolver bound to the current resolution, so nested
// lookups take part in cycle detection and scoping.
type Resolver interface {
	Resolve(contract reflect.Type, name string) (any, error)
}

// Container is the service sink used by Application. It builds instances from
// committed descriptors according to their lifetime: singletons are cached on
// the container, scoped instances on each Scope, transient ones never.
type Container struct {
	logger Logger

	mu          sync.RWMutex
	descriptors map[ServiceKey]*ServiceDescriptor
	singletons  map[ServiceKey]any
	created     []any
	closed      bool

	root *Scope
}

// NewContainer creates an empty container.
func NewContainer(logger Logger) *Container {
	c := &Container{
		logger:      loggerOrNop(logger),
		descriptors: make(map[ServiceKey]*ServiceDescriptor),
		singletons:  make(map[ServiceKey]any),
	}
	c.root = &Scope{container: c, cache: make(map[ServiceKey]any)}
	return c
}

// AddService makes d resolvable. A descriptor for an existing key replaces it
// and drops any cached singleton built from the old one.
func (c *Container) AddService(d *ServiceDescriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContainerClosed
	}
	key := d.Key()
	if _, ok := c.descriptors[key]; ok {
		delete(c.singletons, key)
	}
	c.descriptors[key] = d
	return nil
}

// Has reports whether a binding exists for contract and name.
func (c *Container) Has(contract reflect.Type, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.descriptors[ServiceKey{Contract: contract, Name: name}]
	return ok
}

// Resolve resolves from the root scope.
func (c *Container) Resolve(contract reflect.Type, name string) (any, error) {
	return c.root.Resolve(contract, name)
}

// NewScope creates a scope with its own cache of scoped instances.
func (c *Container) NewScope() *Scope {
	return &Scope{container: c, cache: make(map[ServiceKey]any)}
}

// Close closes every singleton that implements Close() error, in reverse
// creation order, and rejects further use of the container.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	created := c.created
	c.created = nil
	c.mu.Unlock()

	err := closeAll(created)
	return multierr.Append(err, c.root.Close())
}

func (c *Container) descriptor(key ServiceKey) (*ServiceDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrContainerClosed
	}
	d, ok := c.descriptors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	return d, nil
}

// Scope is a resolution scope. Scoped bindings produce one instance per Scope.
type Scope struct {
	container *Container

	mu      sync.Mutex
	cache   map[ServiceKey]any
	created []any
}

func (s *Scope) Resolve(contract reflect.Type, name string) (any, error) {
	return (&resolution{scope: s}).Resolve(contract, name)
}

// Close closes the scoped instances created by this scope.
func (s *Scope) Close() error {
	s.mu.Lock()
	created := s.created
	s.created = nil
	s.cache = make(map[ServiceKey]any)
	s.mu.Unlock()
	return closeAll(created)
}

// resolution tracks the chain of keys being built, for cycle detection.
type resolution struct {
	scope *Scope
	chain []ServiceKey
}

func (r *resolution) Resolve(contract reflect.Type, name string) (any, error) {
	if contract == nil {
		return nil, fmt.Errorf("%w: nil contract", ErrServiceNotFound)
	}
	key := ServiceKey{Contract: contract, Name: name}
	if slices.Contains(r.chain, key) {
		names := make([]string, 0, len(r.chain)+1)
		for _, k := range r.chain[slices.Index(r.chain, key):] {
			names = append(names, k.String())
		}
		names = append(names, key.String())
		return nil, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(names, " -> "))
	}

	c := r.scope.container
	d, err := c.descriptor(key)
	if err != nil {
		return nil, err
	}

	// Caller-owned instances are cached but never closed by the container.
	if _, ok := d.source.(InstanceSource); ok {
		return r.cached(key, d, &c.mu, c.singletons, nil)
	}
	if d.Lifetime() == LifetimeSingleton {
		return r.cached(key, d, &c.mu, c.singletons, &c.created)
	}
	if d.Lifetime() == LifetimeScoped {
		return r.cached(key, d, &r.scope.mu, r.scope.cache, &r.scope.created)
	}
	return r.build(key, d)
}

type locker interface {
	Lock()
	Unlock()
}

// cached returns the instance stored under key, building it when absent.
// Instances are built outside the lock so nested resolutions never deadlock;
// when two goroutines race, the first stored instance wins.
func (r *resolution) cached(key ServiceKey, d *ServiceDescriptor, mu locker, cache map[ServiceKey]any, created *[]any) (any, error) {
	mu.Lock()
	if v, ok := cache[key]; ok {
		mu.Unlock()
		return v, nil
	}
	mu.Unlock()

	v, err := r.build(key, d)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if existing, ok := cache[key]; ok {
		return existing, nil
	}
	cache[key] = v
	if created != nil {
		*created = append(*created, v)
	}
	return v, nil
}

func (r *resolution) build(key ServiceKey, d *ServiceDescriptor) (any, error) {
	next := &resolution{scope: r.scope, chain: append(slices.Clone(r.chain), key)}

	var (
		v   any
		err error
	)
	switch src := d.source.(type) {
	case InstanceSource:
		v = src.Value
	case FactorySource:
		v, err = src.Factory(next)
	case TypeSource:
		v, err = next.construct(src.Type, d.parameters)
	default:
		err = ErrNoImplementationSource
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", key, err)
	}
	if v == nil || !reflect.TypeOf(v).AssignableTo(d.contract) {
		return nil, fmt.Errorf("%w: %T produced for %s", ErrServiceIncompatible, v, key)
	}
	if hook := d.configure; hook != nil {
		if err := hook(v); err != nil {
			return nil, fmt.Errorf("configuring %s: %w", key, err)
		}
	}
	r.scope.container.logger.Debug("Service instance created", "service", key.String(), "lifetime", d.Lifetime().String())
	return v, nil
}

// construct allocates t and fills its exported fields: explicit parameters by
// field name or inject name first, then `inject` tagged fields from the container.
func (r *resolution) construct(t reflect.Type, params map[string]any) (any, error) {
	structType := t
	if t.Kind() == reflect.Pointer {
		structType = t.Elem()
	}
	ptr := reflect.New(structType)
	elem := ptr.Elem()

	for i := range structType.NumField() {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}
		tag, hasTag := field.Tag.Lookup("inject")
		injectName, optional := parseInjectTag(tag)

		if p, ok := parameterFor(params, field.Name, injectName); ok {
			if err := assignField(elem.Field(i), field, p); err != nil {
				return nil, err
			}
			continue
		}
		if !hasTag {
			continue
		}

		v, err := r.Resolve(field.Type, injectName)
		if err != nil {
			if optional && errors.Is(err, ErrServiceNotFound) {
				continue
			}
			return nil, fmt.Errorf("field %s.%s: %w", structType.Name(), field.Name, err)
		}
		if err := assignField(elem.Field(i), field, v); err != nil {
			return nil, err
		}
	}

	if t.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}
	return elem.Interface(), nil
}

// parseInjectTag parses `inject:"[name][,optional]"`.
func parseInjectTag(tag string) (name string, optional bool) {
	parts := strings.Split(tag, ",")
	name = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		if strings.TrimSpace(p) == "optional" {
			optional = true
		}
	}
	return name, optional
}

func parameterFor(params map[string]any, fieldName, injectName string) (any, bool) {
	if v, ok := params[fieldName]; ok {
		return v, true
	}
	if injectName != "" {
		v, ok := params[injectName]
		return v, ok
	}
	return nil, false
}

func assignField(dst reflect.Value, field reflect.StructField, value any) error {
	if value == nil {
		return nil
	}
	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(field.Type):
		dst.Set(v)
	case convertibleParameter(v.Type(), field.Type):
		dst.Set(v.Convert(field.Type))
	default:
		return fmt.Errorf("%w: %s cannot be assigned to field %s (%s)", ErrServiceIncompatible, v.Type(), field.Name, field.Type)
	}
	return nil
}

// convertibleParameter allows numeric conversions and conversions between a
// named type and its underlying kind. int to string is not one of them.
func convertibleParameter(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	if isNumericKind(from.Kind()) && isNumericKind(to.Kind()) {
		return true
	}
	return from.Kind() == to.Kind()
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func closeAll(instances []any) error {
	var err error
	for i := len(instances) - 1; i >= 0; i-- {
		if closer, ok := instances[i].(interface{ Close() error }); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}

// Resolve resolves the unnamed binding for T.
func Resolve[T any](r Resolver) (T, error) {
	return ResolveNamed[T](r, "")
}

// ResolveNamed resolves the binding for T registered under name.
func ResolveNamed[T any](r Resolver, name string) (T, error) {
	var zero T
	v, err := r.Resolve(reflect.TypeFor[T](), name)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T is not %s", ErrServiceIncompatible, v, reflect.TypeFor[T]())
	}
	return out, nil
}

// MustResolve is like Resolve but panics on error. Intended for composition roots.
func MustResolve[T any](r Resolver) T {
	v, err := Resolve[T](r)
	if err != nil {
		panic(err)
	}
	return v
}
