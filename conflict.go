package fluent

import (
	"context"
	"fmt"
)

// ConflictMode defines what happens when a registration targets a key that
// already has a committed descriptor.
type ConflictMode string

const (
	// ConflictReplace discards the existing descriptor silently.
	ConflictReplace ConflictMode = "replace"
	// ConflictWarnAndReplace replaces and emits a warning diagnostic.
	ConflictWarnAndReplace ConflictMode = "warn_and_replace"
	// ConflictPrevent rejects the incoming descriptor with a DuplicateRegistrationError.
	ConflictPrevent ConflictMode = "prevent"
	// ConflictMerge combines both descriptors field by field, incoming winning.
	ConflictMerge ConflictMode = "merge"
)

// DefaultConflictMode is used when neither the registry nor the binding chose one.
const DefaultConflictMode = ConflictReplace

func (m ConflictMode) IsValid() bool {
	switch m {
	case ConflictReplace, ConflictWarnAndReplace, ConflictPrevent, ConflictMerge:
		return true
	default:
		return false
	}
}

// ParseConflictMode parses a mode name.
func ParseConflictMode(s string) (ConflictMode, error) {
	m := ConflictMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownConflictMode, s)
	}
	return m, nil
}

// ConflictOutcome describes what the resolver did with an incoming descriptor.
type ConflictOutcome string

const (
	OutcomeAdded    ConflictOutcome = "added"
	OutcomeReplaced ConflictOutcome = "replaced"
	OutcomeMerged   ConflictOutcome = "merged"
	OutcomeRejected ConflictOutcome = "rejected"
)

// ConflictResolver applies a ConflictMode to pairs of descriptors sharing a key.
// It has no state besides its collaborators and is safe for concurrent use.
type ConflictResolver struct {
	mode    ConflictMode
	logger  Logger
	events  EventEmitter
	metrics *Metrics
}

// NewConflictResolver creates a resolver with the given default mode.
// An empty mode falls back to DefaultConflictMode.
func NewConflictResolver(mode ConflictMode, logger Logger) *ConflictResolver {
	if mode == "" {
		mode = DefaultConflictMode
	}
	return &ConflictResolver{mode: mode, logger: loggerOrNop(logger)}
}

// WithEvents attaches an emitter that receives a CloudEvent per outcome.
func (r *ConflictResolver) WithEvents(e EventEmitter) *ConflictResolver {
	r.events = e
	return r
}

// WithMetrics attaches a metrics collector.
func (r *ConflictResolver) WithMetrics(m *Metrics) *ConflictResolver {
	r.metrics = m
	return r
}

// Mode returns the default mode.
func (r *ConflictResolver) Mode() ConflictMode { return r.mode }

// ResolveService resolves an incoming service descriptor against the existing
// one for the same key (nil when the key is free), using override when it is set.
func (r *ConflictResolver) ResolveService(existing, incoming *ServiceDescriptor, override ConflictMode) (*ServiceDescriptor, ConflictOutcome, error) {
	if incoming == nil {
		return nil, OutcomeRejected, ErrNilDescriptor
	}
	return resolveConflict(r, existing, incoming, existing != nil, override, "service")
}

// ResolveMiddleware is the middleware counterpart of ResolveService.
func (r *ConflictResolver) ResolveMiddleware(existing, incoming *MiddlewareDescriptor, override ConflictMode) (*MiddlewareDescriptor, ConflictOutcome, error) {
	if incoming == nil {
		return nil, OutcomeRejected, ErrNilDescriptor
	}
	return resolveConflict(r, existing, incoming, existing != nil, override, "middleware")
}

type conflictable[D any] interface {
	keyString() string
	merge(incoming D) D
}

func resolveConflict[D conflictable[D]](r *ConflictResolver, existing, incoming D, hasExisting bool, override ConflictMode, kind string) (D, ConflictOutcome, error) {
	var zero D
	if !hasExisting {
		r.record(kind, incoming.keyString(), OutcomeAdded, "")
		return incoming, OutcomeAdded, nil
	}

	mode := r.mode
	if override != "" {
		mode = override
	}
	key := incoming.keyString()

	switch mode {
	case ConflictReplace:
		r.logger.Debug("Replacing registration", "kind", kind, "key", key)
		r.record(kind, key, OutcomeReplaced, mode)
		return incoming, OutcomeReplaced, nil

	case ConflictWarnAndReplace:
		r.logger.Warn("Registration replaces an existing binding", "kind", kind, "key", key)
		r.record(kind, key, OutcomeReplaced, mode)
		return incoming, OutcomeReplaced, nil

	case ConflictPrevent:
		r.logger.Debug("Rejecting duplicate registration", "kind", kind, "key", key)
		r.record(kind, key, OutcomeRejected, mode)
		return zero, OutcomeRejected, &DuplicateRegistrationError{Key: key}

	case ConflictMerge:
		merged := existing.merge(incoming)
		r.logger.Debug("Merged registration", "kind", kind, "key", key)
		r.record(kind, key, OutcomeMerged, mode)
		return merged, OutcomeMerged, nil

	default:
		return zero, OutcomeRejected, fmt.Errorf("%w: %s", ErrUnknownConflictMode, mode)
	}
}

func (r *ConflictResolver) record(kind, key string, outcome ConflictOutcome, mode ConflictMode) {
	if r.metrics != nil {
		r.metrics.observeRegistration(kind, outcome)
		if mode != "" {
			r.metrics.observeConflict(kind, mode)
		}
	}
	if r.events == nil {
		return
	}
	data := map[string]any{"kind": kind, "key": key, "outcome": string(outcome)}
	if mode != "" {
		data["mode"] = string(mode)
		data["warned"] = mode == ConflictWarnAndReplace
	}
	r.events.Emit(context.Background(), registrationEventType(outcome), data)
}
