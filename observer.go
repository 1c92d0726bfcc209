// Package svcregistry provides Observer pattern interfaces for event-driven communication.
// Service and tracker lifecycle changes are published as CloudEvents so they
// can be forwarded to external systems without translation.
package svcregistry

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of events.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is interested in.
	// Observers should handle events quickly to avoid blocking other observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// If eventTypes is empty, the observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer from receiving notifications.
	// It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for events emitted by a ServiceContext.
// Following CloudEvents specification, these use reverse domain notation.
const (
	// Service lifecycle events
	EventTypeServiceRegistered   = "com.svcregistry.service.registered"
	EventTypeServiceModified     = "com.svcregistry.service.modified"
	EventTypeServiceUnregistered = "com.svcregistry.service.unregistered"

	// Tracker lifecycle events
	EventTypeTrackerOpened = "com.svcregistry.tracker.opened"
	EventTypeTrackerClosed = "com.svcregistry.tracker.closed"
)

// FunctionalObserver provides a simple way to create observers using functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates a new observer that uses the provided function
// to handle events.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

type syncNotifyCtxKey struct{}

// WithSynchronousNotification marks the context to request synchronous observer delivery.
// A ServiceContext honors it by notifying observers inline instead of spawning goroutines.
func WithSynchronousNotification(ctx context.Context) context.Context {
	return context.WithValue(ctx, syncNotifyCtxKey{}, true)
}

// IsSynchronousNotification returns true if the context requests synchronous delivery.
func IsSynchronousNotification(ctx context.Context) bool {
	v, _ := ctx.Value(syncNotifyCtxKey{}).(bool)
	return v
}
