package fluent

import (
	"context"
	"fmt"
	"sync"
)

// ServiceSink receives committed service descriptors. Container implements it.
type ServiceSink interface {
	AddService(d *ServiceDescriptor) error
}

// ServiceRegistry holds the committed service descriptors, at most one per ServiceKey.
//
// Registration and Apply are expected to happen in separate phases; the mutex
// only protects against concurrent module configuration, not against
// registering while applying.
type ServiceRegistry struct {
	resolver *ConflictResolver
	logger   Logger

	mu    sync.RWMutex
	byKey map[ServiceKey]*ServiceDescriptor
	order []ServiceKey
}

// NewServiceRegistry creates an empty registry resolving conflicts with resolver.
func NewServiceRegistry(resolver *ConflictResolver, logger Logger) *ServiceRegistry {
	if resolver == nil {
		resolver = NewConflictResolver(DefaultConflictMode, logger)
	}
	return &ServiceRegistry{
		resolver: resolver,
		logger:   loggerOrNop(logger),
		byKey:    make(map[ServiceKey]*ServiceDescriptor),
	}
}

// Register commits d under the registry's default conflict mode.
func (r *ServiceRegistry) Register(d *ServiceDescriptor) (*ServiceDescriptor, error) {
	return r.RegisterWithMode(d, "")
}

// RegisterWithMode commits d, resolving a key collision with mode instead of
// the registry default when mode is non-empty. It returns the descriptor now
// committed under d's key. On error the previously committed descriptor stays.
func (r *ServiceRegistry) RegisterWithMode(d *ServiceDescriptor, mode ConflictMode) (*ServiceDescriptor, error) {
	if d == nil {
		return nil, ErrNilDescriptor
	}
	if !d.sealed {
		if err := d.seal(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Key()
	existing := r.byKey[key]
	effective := mode
	if effective == "" {
		effective = r.resolver.Mode()
	}
	// Only a merge can borrow the source of the existing binding.
	if d.source == nil && (existing == nil || effective != ConflictMerge) {
		return nil, fmt.Errorf("binding %s: %w", key, ErrNoImplementationSource)
	}
	committed, _, err := r.resolver.ResolveService(existing, d, mode)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		r.order = append(r.order, key)
	}
	r.byKey[key] = committed
	return committed, nil
}

// Lookup returns the committed descriptor for key.
func (r *ServiceRegistry) Lookup(key ServiceKey) (*ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[key]
	return d, ok
}

// Descriptors returns the committed descriptors in first-registration order.
func (r *ServiceRegistry) Descriptors() []*ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceDescriptor, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

func (r *ServiceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Apply hands every committed descriptor to sink in registration order.
func (r *ServiceRegistry) Apply(ctx context.Context, sink ServiceSink) error {
	for _, d := range r.Descriptors() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.AddService(d); err != nil {
			return fmt.Errorf("applying binding %s: %w", d.Key(), err)
		}
	}
	r.logger.Debug("Applied service bindings", "count", r.Len())
	return nil
}
