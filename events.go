package fluent

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of every event the bus builds.
const EventSource = "fluent"

// subjectKeys are the data keys, in order, that name what an event is about.
var subjectKeys = []string{"module", "middleware", "key"}

// NewEvent builds the CloudEvent that Emit publishes. The id is a UUIDv7 so
// ids sort by creation time; the subject is the first of data's module,
// middleware or key entries.
func NewEvent(eventType string, data map[string]any) (cloudevents.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return cloudevents.Event{}, fmt.Errorf("%w: %s id: %v", ErrInvalidEvent, eventType, err)
	}
	event := cloudevents.NewEvent()
	event.SetID(id.String())
	event.SetSource(EventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	for _, key := range subjectKeys {
		if subject, ok := data[key].(string); ok && subject != "" {
			event.SetSubject(subject)
			break
		}
	}
	if len(data) > 0 {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return cloudevents.Event{}, fmt.Errorf("%w: %s data: %v", ErrInvalidEvent, eventType, err)
		}
	}
	return event, nil
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// EventBus is the default Subject and EventEmitter.
//
// Delivery is asynchronous unless the bus was created with synchronous set or
// the context carries WithSynchronousNotification. Observer errors and panics
// are logged and never reach the publisher.
type EventBus struct {
	logger      Logger
	synchronous bool

	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

// NewEventBus creates an empty bus.
func NewEventBus(logger Logger, synchronous bool) *EventBus {
	return &EventBus{
		logger:      loggerOrNop(logger),
		synchronous: synchronous,
		observers:   make(map[string]*observerRegistration),
	}
}

func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	b.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   set,
		registeredAt: time.Now(),
	}
	b.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (b *EventBus) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.observers[observer.ObserverID()]; ok {
		delete(b.observers, observer.ObserverID())
		b.logger.Debug("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		b.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	b.mu.RLock()
	targets := make([]*observerRegistration, 0, len(b.observers))
	for _, reg := range b.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		targets = append(targets, reg)
	}
	b.mu.RUnlock()

	inline := b.synchronous || IsSynchronousNotification(ctx)
	for _, reg := range targets {
		if inline {
			b.deliver(ctx, reg.observer, event)
			continue
		}
		go b.deliver(ctx, reg.observer, event)
	}
	return nil
}

func (b *EventBus) deliver(ctx context.Context, o Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer panicked", "observerID", o.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := o.OnEvent(ctx, event); err != nil {
		b.logger.Error("Observer error", "observerID", o.ObserverID(), "event", event.Type(), "error", err)
	}
}

// Emit builds an event with NewEvent and publishes it. Failures are logged.
func (b *EventBus) Emit(ctx context.Context, eventType string, data map[string]any) {
	event, err := NewEvent(eventType, data)
	if err != nil {
		b.logger.Error("Failed to build event", "event", eventType, "error", err)
		return
	}
	if err := b.NotifyObservers(ctx, event); err != nil {
		b.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}

func (b *EventBus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(b.observers))
	for _, reg := range b.observers {
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   slices.Sorted(maps.Keys(reg.eventTypes)),
			RegisteredAt: reg.registeredAt,
		})
	}
	slices.SortFunc(info, func(x, y ObserverInfo) int { return x.RegisteredAt.Compare(y.RegisteredAt) })
	return info
}

// emit publishes through e when it is non-nil.
func emit(ctx context.Context, e EventEmitter, eventType string, data map[string]any) {
	if e != nil {
		e.Emit(ctx, eventType, data)
	}
}
