package svcregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/svcregistry/metadata"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// RegistrationHandle is the producer's side of one published service. It is
// the only way to change or withdraw the registration.
type RegistrationHandle struct {
	sc *ServiceContext

	mu           sync.Mutex
	record       registry.Record
	unregistered bool
}

// Publish makes impl visible under contract with props attached. Trackers
// matching the registration are notified asynchronously.
func (sc *ServiceContext) Publish(ctx context.Context, contract Contract, impl any, props metadata.Properties) (*RegistrationHandle, error) {
	ctx, span := sc.startSpan(ctx, spanPublish, contract, "")
	handle, err := sc.publish(ctx, contract, impl, props)
	if handle != nil {
		span.SetAttributes(attrID.Int64(int64(handle.ID())))
	}
	endSpan(span, err)
	return handle, err
}

// PublishMap is Publish with metadata given as a plain map. Values are
// converted with metadata.New.
func (sc *ServiceContext) PublishMap(ctx context.Context, contract Contract, impl any, props map[string]any) (*RegistrationHandle, error) {
	converted, err := metadata.New(props)
	if err != nil {
		return nil, fmt.Errorf("publishing %s: %w", contract, err)
	}
	return sc.Publish(ctx, contract, impl, converted)
}

// Publish publishes impl under ContractOf[T].
func Publish[T any](ctx context.Context, sc *ServiceContext, impl T, props metadata.Properties) (*RegistrationHandle, error) {
	return sc.Publish(ctx, ContractOf[T](), impl, props)
}

func (sc *ServiceContext) publish(ctx context.Context, contract Contract, impl any, props metadata.Properties) (*RegistrationHandle, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	if isNilImplementation(impl) {
		return nil, fmt.Errorf("%w: contract %s", ErrNullImplementation, contract)
	}

	rec, err := sc.registry.Register(sc.ownerContext(ctx), string(contract), impl, props)
	if err != nil {
		return nil, fmt.Errorf("publishing %s: %w", contract, err)
	}

	sc.logger.Info("Service published", "contract", contract, "id", rec.ID, "owner", rec.Owner)
	sc.emitEvent(ctx, EventTypeServiceRegistered, serviceEventData(rec))
	return &RegistrationHandle{sc: sc, record: rec}, nil
}

// ID returns the registry-assigned identifier.
func (h *RegistrationHandle) ID() registry.ServiceID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.ID
}

// Contract returns the contract the service was published under.
func (h *RegistrationHandle) Contract() Contract {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Contract(h.record.Contract)
}

// Properties returns the latest metadata.
func (h *RegistrationHandle) Properties() metadata.Properties {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Properties
}

// Registration returns a view of the published service.
func (h *RegistrationHandle) Registration() Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return registrationFrom(h.record)
}

// Unregistered reports whether Unregister has completed through this handle.
func (h *RegistrationHandle) Unregistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregistered
}

// Unregister withdraws the service. Calling it again, or after the owner was
// torn down, is a no-op.
func (h *RegistrationHandle) Unregister(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unregistered {
		return nil
	}
	err := h.sc.registry.Unregister(ctx, h.record.ID)
	switch {
	case err == nil:
		h.sc.logger.Info("Service unregistered", "contract", h.record.Contract, "id", h.record.ID)
		h.sc.emitEvent(ctx, EventTypeServiceUnregistered, serviceEventData(h.record))
	case isNotFound(err):
		h.sc.logger.Debug("Service already gone", "contract", h.record.Contract, "id", h.record.ID)
	default:
		return fmt.Errorf("unregistering %s/%d: %w", h.record.Contract, h.record.ID, err)
	}
	h.unregistered = true
	return nil
}

// UpdateMetadata atomically replaces the registration's metadata. Trackers
// see Removed, Added or Modified depending on how their match changes.
func (h *RegistrationHandle) UpdateMetadata(ctx context.Context, props metadata.Properties) error {
	modifier, ok := h.sc.registry.(registry.Modifier)
	if !ok {
		return ErrModifyUnsupported
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unregistered {
		return ErrHandleUnregistered
	}
	rec, err := modifier.Modify(ctx, h.record.ID, props)
	if err != nil {
		if isNotFound(err) {
			h.unregistered = true
			return fmt.Errorf("%w: %s/%d", ErrHandleUnregistered, h.record.Contract, h.record.ID)
		}
		return fmt.Errorf("updating metadata of %s/%d: %w", h.record.Contract, h.record.ID, err)
	}
	h.record = rec

	h.sc.logger.Debug("Service metadata updated", "contract", rec.Contract, "id", rec.ID, "properties", rec.Properties.String())
	h.sc.emitEvent(ctx, EventTypeServiceModified, serviceEventData(rec))
	trace.SpanFromContext(ctx).AddEvent("svcregistry.metadata_updated")
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound)
}
