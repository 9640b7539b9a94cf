package fluent

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Registration errors
var (
	ErrDuplicateRegistration      = errors.New("duplicate registration")
	ErrUnknownConflictMode        = errors.New("unknown conflict mode")
	ErrNoImplementationSource     = errors.New("no implementation source set")
	ErrSourceAlreadySet           = errors.New("implementation source already set")
	ErrImplementationIncompatible = errors.New("implementation does not satisfy contract")
	ErrDescriptorSealed           = errors.New("descriptor already registered")
	ErrNilDescriptor              = errors.New("descriptor is nil")
	ErrInvalidLifetime            = errors.New("invalid lifetime")
	ErrNotMiddleware              = errors.New("type does not implement Middleware")

	// Ordering errors
	ErrOrderingConflict            = errors.New("middleware ordering conflict")
	ErrMiddlewareDependencyMissing = errors.New("middleware depends on unregistered or disabled middleware")

	// Module registry errors
	ErrNoHandlerFound        = errors.New("no registry can handle module")
	ErrInvalidModule         = errors.New("module must target exactly one configurator")
	ErrInitializationFailure = errors.New("module initialization failed")
	ErrShutdownFailure       = errors.New("module shutdown failed")

	// Container errors
	ErrServiceNotFound     = errors.New("service not found")
	ErrCircularDependency  = errors.New("circular dependency detected")
	ErrTargetNotPointer    = errors.New("target must be a non-nil pointer")
	ErrServiceIncompatible = errors.New("service cannot be assigned to target")
	ErrContainerClosed     = errors.New("container is closed")

	// Pipeline errors
	ErrMiddlewareTimeout = errors.New("middleware timed out")
	ErrMiddlewarePanic   = errors.New("middleware panicked")
	ErrCircuitOpen       = errors.New("middleware circuit breaker is open")
	ErrPipelineNotBuilt  = errors.New("pipeline not built")

	// Application errors
	ErrApplicationNotInitialized = errors.New("application not initialized")
	ErrConfigInvalid             = errors.New("config validation failed")
	ErrUnsupportedConfigFormat   = errors.New("unsupported config file format")
	ErrInvalidEvent              = errors.New("invalid event")
)

// DuplicateRegistrationError is returned by the conflict resolver when the
// prevent policy rejects a registration for a key that is already taken.
type DuplicateRegistrationError struct {
	Key string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateRegistration, e.Key)
}

func (e *DuplicateRegistrationError) Unwrap() error {
	return ErrDuplicateRegistration
}

// OrderingConflictError names the middleware participating in a constraint cycle,
// in cycle order.
type OrderingConflictError struct {
	Cycle []string
}

func (e *OrderingConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrOrderingConflict, strings.Join(e.Cycle, " -> "))
}

func (e *OrderingConflictError) Unwrap() error {
	return ErrOrderingConflict
}

// NoHandlerFoundError is returned by a composite registry when none of its
// sub-registries claims a module.
type NoHandlerFoundError struct {
	Module     string
	Capability Capability
}

func (e *NoHandlerFoundError) Error() string {
	return fmt.Sprintf("%s: module %q with capability %s", ErrNoHandlerFound, e.Module, e.Capability)
}

func (e *NoHandlerFoundError) Unwrap() error {
	return ErrNoHandlerFound
}

// ModuleFailure records a single module's lifecycle failure.
type ModuleFailure struct {
	Module string
	Err    error
}

// Lifecycle phases reported by InitializationError.
const (
	PhaseInitialize = "initialize"
	PhaseShutdown   = "shutdown"
)

// InitializationError aggregates every lifecycle failure of one Initialize or
// Shutdown pass.
type InitializationError struct {
	Phase    string
	Failures []ModuleFailure
}

func (e *InitializationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Module, f.Err))
	}
	return fmt.Sprintf("%s (%d module(s) failed during %s): %s",
		e.sentinel(), len(e.Failures), e.Phase, strings.Join(parts, "; "))
}

func (e *InitializationError) sentinel() error {
	if e.Phase == PhaseShutdown {
		return ErrShutdownFailure
	}
	return ErrInitializationFailure
}

// Unwrap exposes the sentinel and every module error to errors.Is / errors.As.
func (e *InitializationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, e.sentinel())
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Combined returns the module errors as a single multierr value.
func (e *InitializationError) Combined() error {
	var combined error
	for _, f := range e.Failures {
		combined = multierr.Append(combined, fmt.Errorf("module %s: %w", f.Module, f.Err))
	}
	return combined
}
