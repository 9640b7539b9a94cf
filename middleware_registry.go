package fluent

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// MiddlewareSink receives committed middleware descriptors in execution order.
// PipelineBuilder implements it.
type MiddlewareSink interface {
	AddMiddleware(d *MiddlewareDescriptor) error
}

// MiddlewareRegistry holds the committed middleware descriptors, at most one per type.
type MiddlewareRegistry struct {
	resolver *ConflictResolver
	logger   Logger
	events   EventEmitter

	mu        sync.RWMutex
	byType    map[reflect.Type]*MiddlewareDescriptor
	order     []reflect.Type
	next      int
	strict    bool
	overrides map[string]MiddlewareOverride
}

// NewMiddlewareRegistry creates an empty registry resolving conflicts with resolver.
func NewMiddlewareRegistry(resolver *ConflictResolver, logger Logger) *MiddlewareRegistry {
	if resolver == nil {
		resolver = NewConflictResolver(DefaultConflictMode, logger)
	}
	return &MiddlewareRegistry{
		resolver: resolver,
		logger:   loggerOrNop(logger),
		byType:   make(map[reflect.Type]*MiddlewareDescriptor),
	}
}

// WithEvents attaches an emitter that receives the computed order on Apply.
func (r *MiddlewareRegistry) WithEvents(e EventEmitter) *MiddlewareRegistry {
	r.events = e
	return r
}

// SetStrictDependencies toggles strict DependsOn validation for Ordered and Apply.
func (r *MiddlewareRegistry) SetStrictDependencies(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// SetOverrides replaces the per-name configuration overrides applied at ordering time.
// Committed descriptors are never changed; overridden copies are ordered instead.
func (r *MiddlewareRegistry) SetOverrides(overrides map[string]MiddlewareOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = overrides
}

// Register commits d under the registry's default conflict mode.
func (r *MiddlewareRegistry) Register(d *MiddlewareDescriptor) (*MiddlewareDescriptor, error) {
	return r.RegisterWithMode(d, "")
}

// RegisterWithMode commits d, resolving a type collision with mode when it is non-empty.
// The committed descriptor keeps the registration index of the first registration
// of its type.
func (r *MiddlewareRegistry) RegisterWithMode(d *MiddlewareDescriptor, mode ConflictMode) (*MiddlewareDescriptor, error) {
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

	existing := r.byType[d.typ]
	committed, _, err := r.resolver.ResolveMiddleware(existing, d, mode)
	if err != nil {
		return nil, err
	}

	// The index lives on a registry-owned copy; sealed input is never written.
	stored := committed.clone()
	stored.sealed = true
	if existing == nil {
		stored.index = r.next
		r.next++
		r.order = append(r.order, d.typ)
	} else {
		stored.index = existing.index
	}
	r.byType[d.typ] = stored
	return stored, nil
}

// Lookup returns the committed descriptor for middleware type t.
func (r *MiddlewareRegistry) Lookup(t reflect.Type) (*MiddlewareDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	return d, ok
}

// Descriptors returns the committed descriptors in first-registration order,
// without config overrides.
func (r *MiddlewareRegistry) Descriptors() []*MiddlewareDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MiddlewareDescriptor, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.byType[t])
	}
	return out
}

func (r *MiddlewareRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType)
}

// Ordered applies config overrides and returns the execution order.
func (r *MiddlewareRegistry) Ordered() ([]*MiddlewareDescriptor, error) {
	r.mu.RLock()
	descs := make([]*MiddlewareDescriptor, 0, len(r.order))
	for _, t := range r.order {
		d := r.byType[t]
		if o, ok := r.overrides[d.Name()]; ok {
			d = d.withOverride(o)
		}
		descs = append(descs, d)
	}
	strict := r.strict
	r.mu.RUnlock()

	return Order(descs, WithStrictDependencies(strict), WithOrderLogger(r.logger))
}

// Apply orders the committed middleware once and hands each descriptor to sink
// in execution order. An ordering conflict leaves sink untouched.
func (r *MiddlewareRegistry) Apply(ctx context.Context, sink MiddlewareSink) error {
	ordered, err := r.Ordered()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(ordered))
	for _, d := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.AddMiddleware(d); err != nil {
			return fmt.Errorf("applying middleware %s: %w", d.Name(), err)
		}
		names = append(names, d.Name())
	}
	r.logger.Debug("Applied middleware", "order", names)
	emit(ctx, r.events, EventTypeMiddlewareOrdered, map[string]any{"order": names})
	return nil
}
