package fluent

import (
	"fmt"
	"reflect"
)

// Source describes where instances of a service binding come from.
// It is a closed set: TypeSource, InstanceSource or FactorySource.
type Source interface {
	// Kind returns "type", "instance" or "factory".
	Kind() string
	// Describe returns a human readable description used in logs and errors.
	Describe() string

	isSource()
}

// TypeSource constructs instances of Type. Pointer-to-struct and struct types
// are constructed with reflect.New and populated from explicit parameters and
// `inject` tagged fields.
type TypeSource struct {
	Type reflect.Type
}

func (TypeSource) Kind() string       { return "type" }
func (s TypeSource) Describe() string { return fmt.Sprintf("type %s", s.Type) }
func (TypeSource) isSource()          {}

// InstanceSource always yields the same pre-built value.
type InstanceSource struct {
	Value any
}

func (InstanceSource) Kind() string       { return "instance" }
func (s InstanceSource) Describe() string { return fmt.Sprintf("instance of %T", s.Value) }
func (InstanceSource) isSource()          {}

// FactoryFunc builds an instance using the resolver for its own dependencies.
type FactoryFunc func(r Resolver) (any, error)

// FactorySource invokes Factory for every instance that must be created.
type FactorySource struct {
	Factory FactoryFunc
}

func (FactorySource) Kind() string     { return "factory" }
func (FactorySource) Describe() string { return "factory" }
func (FactorySource) isSource()        {}

// sourceCompatible checks whether the source can produce values assignable to contract.
// Factories are only checked when they run.
func sourceCompatible(src Source, contract reflect.Type) error {
	switch s := src.(type) {
	case TypeSource:
		if s.Type == nil {
			return ErrNoImplementationSource
		}
		if !s.Type.AssignableTo(contract) {
			return fmt.Errorf("%w: %s is not assignable to %s", ErrImplementationIncompatible, s.Type, contract)
		}
		if s.Type.Kind() != reflect.Struct &&
			!(s.Type.Kind() == reflect.Pointer && s.Type.Elem().Kind() == reflect.Struct) {
			return fmt.Errorf("%w: %s is neither a struct nor a pointer to struct", ErrImplementationIncompatible, s.Type)
		}
	case InstanceSource:
		if s.Value == nil {
			return fmt.Errorf("%w: nil instance", ErrNoImplementationSource)
		}
		if t := reflect.TypeOf(s.Value); !t.AssignableTo(contract) {
			return fmt.Errorf("%w: %s is not assignable to %s", ErrImplementationIncompatible, t, contract)
		}
	case FactorySource:
		if s.Factory == nil {
			return fmt.Errorf("%w: nil factory", ErrNoImplementationSource)
		}
	case nil:
		return ErrNoImplementationSource
	}
	return nil
}
