package fluent

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of events published by a Subject.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	// Observers should return quickly; slow observers delay asynchronous delivery only.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// Subject maintains observers and delivers events to them.
type Subject interface {
	// RegisterObserver adds an observer. An empty eventTypes list subscribes to all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers validates event and delivers it to interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered observers.
	GetObservers() []ObserverInfo
}

// EventEmitter builds and publishes an event from a type and a data payload.
// The conflict resolver, registries and pipeline depend only on this.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types, in reverse domain notation.
const (
	// Registration outcomes
	EventTypeRegistrationAdded    = "com.fluent.registration.added"
	EventTypeRegistrationReplaced = "com.fluent.registration.replaced"
	EventTypeRegistrationMerged   = "com.fluent.registration.merged"
	EventTypeRegistrationRejected = "com.fluent.registration.rejected"

	// Module lifecycle
	EventTypeModuleRegistered  = "com.fluent.module.registered"
	EventTypeModuleSkipped     = "com.fluent.module.skipped"
	EventTypeModuleConfigured  = "com.fluent.module.configured"
	EventTypeModuleInitialized = "com.fluent.module.initialized"
	EventTypeModuleFailed      = "com.fluent.module.failed"
	EventTypeModuleStopped     = "com.fluent.module.stopped"

	// Middleware pipeline
	EventTypeMiddlewareOrdered = "com.fluent.middleware.ordered"
	EventTypeMiddlewareFailed  = "com.fluent.middleware.failed"

	// Configuration
	EventTypeConfigLoaded   = "com.fluent.config.loaded"
	EventTypeConfigReloaded = "com.fluent.config.reloaded"

	// Application
	EventTypeApplicationInitialized = "com.fluent.application.initialized"
	EventTypeApplicationStopped     = "com.fluent.application.stopped"
	EventTypeApplicationFailed      = "com.fluent.application.failed"
)

func registrationEventType(o ConflictOutcome) string {
	switch o {
	case OutcomeReplaced:
		return EventTypeRegistrationReplaced
	case OutcomeMerged:
		return EventTypeRegistrationMerged
	case OutcomeRejected:
		return EventTypeRegistrationRejected
	default:
		return EventTypeRegistrationAdded
	}
}

// FunctionalObserver adapts a function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that calls handler for each event.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
