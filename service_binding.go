package fluent

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
)

// ServiceBinding is the fluent builder returned by Bind. Every chain method
// records its value on a private descriptor; Register seals it and commits it
// to the registry. Errors found while chaining are reported by Register.
type ServiceBinding[S any] struct {
	configurator *ServiceConfigurator
	desc         *ServiceDescriptor
	mode         ConflictMode
	err          error
	registered   bool
}

// Bind starts a binding for contract S.
//
//	fluent.Bind[Greeter](c).To(fluent.ServiceType[*englishGreeter]()).AsSingleton().Register()
func Bind[S any](c *ServiceConfigurator) *ServiceBinding[S] {
	return &ServiceBinding[S]{
		configurator: c,
		desc:         &ServiceDescriptor{contract: reflect.TypeFor[S]()},
	}
}

func (b *ServiceBinding[S]) setSource(src Source) *ServiceBinding[S] {
	if b.desc.source != nil {
		b.fail(fmt.Errorf("binding %s: %w: %s then %s", b.desc.keyString(), ErrSourceAlreadySet, b.desc.source.Describe(), src.Describe()))
		return b
	}
	b.desc.source = src
	return b
}

func (b *ServiceBinding[S]) fail(err error) {
	b.err = errors.Join(b.err, err)
}

// To binds S to the concrete type impl, constructed by the container.
func (b *ServiceBinding[S]) To(impl reflect.Type) *ServiceBinding[S] {
	return b.setSource(TypeSource{Type: impl})
}

// WithInstance binds S to a pre-built value.
func (b *ServiceBinding[S]) WithInstance(instance S) *ServiceBinding[S] {
	return b.setSource(InstanceSource{Value: any(instance)})
}

// WithFactory binds S to a factory function.
func (b *ServiceBinding[S]) WithFactory(factory func(r Resolver) (S, error)) *ServiceBinding[S] {
	if factory == nil {
		return b.setSource(FactorySource{})
	}
	return b.setSource(FactorySource{Factory: func(r Resolver) (any, error) {
		return factory(r)
	}})
}

func (b *ServiceBinding[S]) AsSingleton() *ServiceBinding[S] {
	b.desc.lifetime = LifetimeSingleton
	return b
}

func (b *ServiceBinding[S]) AsScoped() *ServiceBinding[S] {
	b.desc.lifetime = LifetimeScoped
	return b
}

func (b *ServiceBinding[S]) AsTransient() *ServiceBinding[S] {
	b.desc.lifetime = LifetimeTransient
	return b
}

// WithLifetime sets the lifetime from a value, typically parsed from config.
func (b *ServiceBinding[S]) WithLifetime(l Lifetime) *ServiceBinding[S] {
	b.desc.lifetime = l
	return b
}

// WithParameters adds explicit constructor parameters, keyed by field name.
func (b *ServiceBinding[S]) WithParameters(params map[string]any) *ServiceBinding[S] {
	if b.desc.parameters == nil {
		b.desc.parameters = make(map[string]any, len(params))
	}
	maps.Copy(b.desc.parameters, params)
	return b
}

func (b *ServiceBinding[S]) WithParameter(key string, value any) *ServiceBinding[S] {
	return b.WithParameters(map[string]any{key: value})
}

// WithName makes this a named binding; the key becomes (S, name).
func (b *ServiceBinding[S]) WithName(name string) *ServiceBinding[S] {
	b.desc.name = name
	return b
}

func (b *ServiceBinding[S]) WithMetadata(key string, value any) *ServiceBinding[S] {
	if b.desc.metadata == nil {
		b.desc.metadata = make(map[string]any)
	}
	b.desc.metadata[key] = value
	return b
}

// Configure registers a hook run once for every instance the container creates.
func (b *ServiceBinding[S]) Configure(hook func(S) error) *ServiceBinding[S] {
	if hook == nil {
		b.desc.configure = nil
		return b
	}
	b.desc.configure = func(v any) error {
		s, ok := v.(S)
		if !ok {
			return fmt.Errorf("%w: %T is not %s", ErrServiceIncompatible, v, b.desc.contract)
		}
		return hook(s)
	}
	return b
}

// OnConflict overrides the registry's conflict mode for this registration only.
func (b *ServiceBinding[S]) OnConflict(mode ConflictMode) *ServiceBinding[S] {
	if !mode.IsValid() {
		b.fail(fmt.Errorf("%w: %s", ErrUnknownConflictMode, mode))
		return b
	}
	b.mode = mode
	return b
}

// Register seals the binding and commits it. It returns the descriptor that is
// committed under the binding's key, which differs from the sealed one after a merge.
func (b *ServiceBinding[S]) Register() (*ServiceDescriptor, error) {
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
