package fluent

import (
	"fmt"
)

// Lifetime defines how long an instance produced for a service binding lives.
//
// The lifetime determines:
//   - whether instances are cached
//   - where they are cached (container root or a Scope)
//   - how often the Configure hook of a binding runs
type Lifetime string

const (
	// LifetimeUnspecified marks a binding that did not choose a lifetime.
	// Descriptors report it as DefaultLifetime; merge treats it as "not set".
	LifetimeUnspecified Lifetime = ""

	// LifetimeTransient creates a new instance on every resolution.
	LifetimeTransient Lifetime = "transient"

	// LifetimeScoped creates one instance per Scope. Resolving from the container
	// root uses the root scope.
	LifetimeScoped Lifetime = "scoped"

	// LifetimeSingleton creates one instance for the whole container.
	LifetimeSingleton Lifetime = "singleton"
)

// DefaultLifetime is applied to bindings that never call AsSingleton, AsScoped
// or AsTransient.
const DefaultLifetime = LifetimeTransient

func (l Lifetime) String() string {
	if l == LifetimeUnspecified {
		return "unspecified"
	}
	return string(l)
}

// IsValid returns true for the three concrete lifetimes.
func (l Lifetime) IsValid() bool {
	switch l {
	case LifetimeTransient, LifetimeScoped, LifetimeSingleton:
		return true
	default:
		return false
	}
}

// IsCacheable returns true if instances of this lifetime are reused.
func (l Lifetime) IsCacheable() bool {
	return l == LifetimeScoped || l == LifetimeSingleton
}

// orDefault resolves an unspecified lifetime to DefaultLifetime.
func (l Lifetime) orDefault() Lifetime {
	if l == LifetimeUnspecified {
		return DefaultLifetime
	}
	return l
}

// ParseLifetime parses a lifetime name, returning ErrInvalidLifetime for unknown values.
func ParseLifetime(s string) (Lifetime, error) {
	l := Lifetime(s)
	if !l.IsValid() {
		return LifetimeUnspecified, fmt.Errorf("%w: %s", ErrInvalidLifetime, s)
	}
	return l, nil
}
