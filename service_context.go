package svcregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// ServiceContext is the entry point for publishing, looking up and tracking
// services on top of a registry.Registry. It is safe for concurrent use.
//
// A ServiceContext is also a Subject: observers registered on it receive a
// CloudEvent for every publish, metadata update, unregistration and tracker
// open/close performed through it.
type ServiceContext struct {
	registry       registry.Registry
	logger         Logger
	filters        *filter.Cache
	tracer         trace.Tracer
	owner          string
	trackerWorkers int

	observers     map[string]*observerRegistration
	observerMutex sync.RWMutex
}

// Option configures a ServiceContext.
type Option func(*ServiceContext)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(sc *ServiceContext) {
		if logger != nil {
			sc.logger = logger
		}
	}
}

// WithFilterCache memoizes compiled filter text. Without it every lookup
// compiles its filter.
func WithFilterCache(cache *filter.Cache) Option {
	return func(sc *ServiceContext) { sc.filters = cache }
}

// WithTracerProvider sets the OpenTelemetry provider used for lookup and
// publish spans. The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(sc *ServiceContext) {
		if tp != nil {
			sc.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithOwner attributes every registration published through this context to
// owner unless the call's context already names one via registry.WithOwner.
func WithOwner(owner string) Option {
	return func(sc *ServiceContext) { sc.owner = owner }
}

// WithTrackerWorkers sets the default number of delivery workers for trackers
// created through this context.
func WithTrackerWorkers(n int) Option {
	return func(sc *ServiceContext) {
		if n > 0 {
			sc.trackerWorkers = n
		}
	}
}

// NewServiceContext creates a ServiceContext over reg.
func NewServiceContext(reg registry.Registry, opts ...Option) (*ServiceContext, error) {
	if reg == nil {
		return nil, ErrRegistryNil
	}
	sc := &ServiceContext{
		registry:       reg,
		logger:         NopLogger(),
		tracer:         defaultTracer(),
		trackerWorkers: 1,
		observers:      make(map[string]*observerRegistration),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc, nil
}

// Registry returns the underlying registry.
func (sc *ServiceContext) Registry() registry.Registry { return sc.registry }

// Logger returns the configured logger.
func (sc *ServiceContext) Logger() Logger { return sc.logger }

// CompileFilter compiles text, using the filter cache when configured.
func (sc *ServiceContext) CompileFilter(text string) (*filter.Filter, error) {
	f, err := sc.filters.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("compiling filter: %w", err)
	}
	return f, nil
}

// Teardown unregisters every registration attributed to owner. It models the
// enclosing module going away; handles owned by it observe the removal through
// their idempotent Unregister.
func (sc *ServiceContext) Teardown(ctx context.Context, owner string) (int, error) {
	scope, ok := sc.registry.(registry.OwnerScope)
	if !ok {
		return 0, ErrTeardownUnsupported
	}
	n, err := scope.UnregisterOwner(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("tearing down owner %q: %w", owner, err)
	}
	sc.logger.Info("Owner torn down", "owner", owner, "unregistered", n)
	return n, nil
}

func (sc *ServiceContext) ownerContext(ctx context.Context) context.Context {
	if sc.owner != "" && registry.OwnerFrom(ctx) == "" {
		return registry.WithOwner(ctx, sc.owner)
	}
	return ctx
}

// RegisterObserver adds an observer to receive notifications from the context.
// If eventTypes is empty, the observer receives all events.
func (sc *ServiceContext) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}

	sc.observerMutex.Lock()
	defer sc.observerMutex.Unlock()

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	sc.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}

	sc.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. It is idempotent.
func (sc *ServiceContext) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}

	sc.observerMutex.Lock()
	defer sc.observerMutex.Unlock()

	if _, exists := sc.observers[observer.ObserverID()]; exists {
		delete(sc.observers, observer.ObserverID())
		sc.logger.Debug("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers sends a CloudEvent to all interested observers. Delivery
// runs on separate goroutines unless ctx was marked with
// WithSynchronousNotification.
func (sc *ServiceContext) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		sc.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	sc.observerMutex.RLock()
	targets := make([]*observerRegistration, 0, len(sc.observers))
	for _, registration := range sc.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		targets = append(targets, registration)
	}
	sc.observerMutex.RUnlock()

	synchronous := IsSynchronousNotification(ctx)
	for _, registration := range targets {
		if synchronous {
			sc.notifyOne(ctx, registration, event)
			continue
		}
		go sc.notifyOne(ctx, registration, event)
	}
	return nil
}

func (sc *ServiceContext) notifyOne(ctx context.Context, registration *observerRegistration, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			sc.logger.Error("Observer panicked", "observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := registration.observer.OnEvent(ctx, event); err != nil {
		sc.logger.Error("Observer error", "observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// GetObservers returns information about currently registered observers.
func (sc *ServiceContext) GetObservers() []ObserverInfo {
	sc.observerMutex.RLock()
	defer sc.observerMutex.RUnlock()

	info := make([]ObserverInfo, 0, len(sc.observers))
	for _, registration := range sc.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}

// emitEvent builds and dispatches a CloudEvent without blocking the caller.
func (sc *ServiceContext) emitEvent(ctx context.Context, eventType string, data any) {
	sc.observerMutex.RLock()
	none := len(sc.observers) == 0
	sc.observerMutex.RUnlock()
	if none {
		return
	}

	event := NewCloudEvent(eventType, EventSource, data, nil)
	if err := sc.NotifyObservers(context.WithoutCancel(ctx), event); err != nil {
		sc.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}

func serviceEventData(rec registry.Record) ServiceEventData {
	return ServiceEventData{
		ID:         uint64(rec.ID),
		Contract:   rec.Contract,
		Owner:      rec.Owner,
		Properties: rec.Properties.Map(),
	}
}

var _ Subject = (*ServiceContext)(nil)
