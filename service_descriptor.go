package fluent

import (
	"fmt"
	"maps"
	"reflect"
)

// ServiceKey addresses a service binding: the contract type plus an optional name.
type ServiceKey struct {
	Contract reflect.Type
	Name     string
}

func (k ServiceKey) String() string {
	if k.Name == "" {
		return k.Contract.String()
	}
	return fmt.Sprintf("%s[%s]", k.Contract, k.Name)
}

// ServiceDescriptor is the sealed record of one service binding.
// Descriptors are created by ServiceBinding and never change after sealing;
// a conflicting registration produces a new descriptor instead.
type ServiceDescriptor struct {
	contract     reflect.Type
	name         string
	source       Source
	lifetime     Lifetime
	parameters   map[string]any
	metadata     map[string]any
	configure    func(any) error
	registeredBy string
	sealed       bool
}

func (d *ServiceDescriptor) Key() ServiceKey       { return ServiceKey{Contract: d.contract, Name: d.name} }
func (d *ServiceDescriptor) Contract() reflect.Type { return d.contract }
func (d *ServiceDescriptor) Name() string           { return d.name }
func (d *ServiceDescriptor) Source() Source         { return d.source }
func (d *ServiceDescriptor) Lifetime() Lifetime     { return d.lifetime.orDefault() }
func (d *ServiceDescriptor) RegisteredBy() string   { return d.registeredBy }
func (d *ServiceDescriptor) Sealed() bool           { return d.sealed }

// Parameters returns a copy of the explicit constructor parameters.
func (d *ServiceDescriptor) Parameters() map[string]any { return maps.Clone(d.parameters) }

// Metadata returns a copy of the binding metadata.
func (d *ServiceDescriptor) Metadata() map[string]any { return maps.Clone(d.metadata) }

// MetadataValue returns a single metadata entry.
func (d *ServiceDescriptor) MetadataValue(key string) (any, bool) {
	v, ok := d.metadata[key]
	return v, ok
}

// ConfigureHook returns the post-construction hook, or nil.
func (d *ServiceDescriptor) ConfigureHook() func(any) error { return d.configure }

func (d *ServiceDescriptor) keyString() string { return d.Key().String() }

// seal validates the descriptor and freezes it.
func (d *ServiceDescriptor) seal() error {
	if d.sealed {
		return fmt.Errorf("%w: %s", ErrDescriptorSealed, d.keyString())
	}
	if d.contract == nil {
		return fmt.Errorf("%w: missing contract type", ErrNilDescriptor)
	}
	// A missing source is legal here: a merge can supply it from the existing
	// binding. The registry rejects committed descriptors without one.
	if d.source != nil {
		if err := sourceCompatible(d.source, d.contract); err != nil {
			return fmt.Errorf("binding %s: %w", d.keyString(), err)
		}
	}
	if d.lifetime != LifetimeUnspecified && !d.lifetime.IsValid() {
		return fmt.Errorf("binding %s: %w: %s", d.keyString(), ErrInvalidLifetime, d.lifetime)
	}
	d.parameters = maps.Clone(d.parameters)
	d.metadata = maps.Clone(d.metadata)
	d.sealed = true
	return nil
}

// merge produces a new sealed descriptor from d (existing) and incoming.
// Maps are unioned with incoming winning; scalar fields come from incoming when set.
func (d *ServiceDescriptor) merge(incoming *ServiceDescriptor) *ServiceDescriptor {
	out := &ServiceDescriptor{
		contract:     d.contract,
		name:         d.name,
		source:       d.source,
		lifetime:     d.lifetime,
		configure:    d.configure,
		registeredBy: incoming.registeredBy,
		parameters:   unionMaps(d.parameters, incoming.parameters),
		metadata:     unionMaps(d.metadata, incoming.metadata),
		sealed:       true,
	}
	if incoming.contract != nil {
		out.contract = incoming.contract
	}
	if incoming.source != nil {
		out.source = incoming.source
	}
	if incoming.lifetime != LifetimeUnspecified {
		out.lifetime = incoming.lifetime
	}
	if incoming.configure != nil {
		out.configure = incoming.configure
	}
	return out
}

func unionMaps(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}
