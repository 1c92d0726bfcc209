// Package registry defines the store that service registrations live in and
// an in-memory, thread-safe implementation of it.
//
// The Registry interface is deliberately small: register, unregister, query,
// subscribe and unsubscribe. Everything else (reference counting, metadata
// modification, module teardown, listing) is an optional capability expressed
// as a separate interface that callers discover with a type assertion.
package registry

import (
	"context"
	"time"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/metadata"
)

// ServiceID uniquely identifies a registration within one registry.
type ServiceID uint64

// Record is a point-in-time view of one registration.
type Record struct {
	ID         ServiceID           `json:"id"`
	Contract   string              `json:"contract"`
	Service    any                 `json:"-"`
	Properties metadata.Properties `json:"-"`

	// Sequence increases monotonically with every registration and is the
	// recency component of lookup ranking.
	Sequence uint64 `json:"sequence"`

	// Owner names the module that registered the service, if known.
	Owner        string    `json:"owner,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// EventType classifies a registry notification.
type EventType uint8

const (
	// EventRegistered: a matching registration appeared.
	EventRegistered EventType = iota + 1
	// EventModified: a registration's metadata changed and it matches the
	// subscription filter afterwards.
	EventModified
	// EventModifiedEndMatch: a registration's metadata changed so that it no
	// longer matches the subscription filter.
	EventModifiedEndMatch
	// EventUnregistering: a matching registration is going away.
	EventUnregistering
	// EventFailure: the registry itself failed; Event.Err carries the cause.
	EventFailure
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventModified:
		return "modified"
	case EventModifiedEndMatch:
		return "modified-endmatch"
	case EventUnregistering:
		return "unregistering"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is delivered to subscription listeners.
type Event struct {
	Type   EventType
	Record Record
	Err    error
}

// Listener receives registry events. Listeners are invoked synchronously, in
// causal order, and must neither block nor call back into the registry.
type Listener func(Event)

// Subscription is a handle for an active listener registration.
type Subscription interface {
	// ID returns the unique identifier of this subscription
	ID() string

	// Contract returns the contract the subscription watches
	Contract() string

	// Filter returns the metadata filter, nil meaning everything
	Filter() *filter.Filter
}

// Registry is the store of (contract, service, metadata) tuples.
type Registry interface {
	// Register publishes service under contract and makes it visible to
	// every subsequent Query.
	Register(ctx context.Context, contract string, service any, props metadata.Properties) (Record, error)

	// Unregister removes a registration. Unknown ids yield ErrNotFound.
	Unregister(ctx context.Context, id ServiceID) error

	// Query returns the registrations for contract that match f, in no
	// particular order.
	Query(ctx context.Context, contract string, f *filter.Filter) ([]Record, error)

	// Subscribe attaches a listener to registrations of contract matching f.
	Subscribe(ctx context.Context, contract string, f *filter.Filter, listener Listener) (Subscription, error)

	// Unsubscribe detaches a listener. It is idempotent.
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// Modifier is implemented by registries that support replacing the metadata
// of a live registration.
type Modifier interface {
	Modify(ctx context.Context, id ServiceID, props metadata.Properties) (Record, error)
}

// RefCounter is implemented by registries that count outstanding borrows of
// a service.
type RefCounter interface {
	// Acquire borrows the service behind id. It fails with ErrNotFound once
	// the registration is gone.
	Acquire(ctx context.Context, id ServiceID) (any, error)

	// Release returns a borrow. Releasing a registration that has since been
	// unregistered is not an error.
	Release(ctx context.Context, id ServiceID) error

	// UsageCount reports the number of outstanding borrows.
	UsageCount(id ServiceID) int
}

// OwnerScope is implemented by registries that can tear down every
// registration made by one owner at once.
type OwnerScope interface {
	UnregisterOwner(ctx context.Context, owner string) (int, error)
}

// Lister is implemented by registries that can enumerate their contents.
type Lister interface {
	Contracts(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]Record, error)
}

// Config tunes the in-memory registry.
type Config struct {
	// EnableUsageTracking turns on borrow counting in Acquire/Release.
	EnableUsageTracking bool `json:"enable_usage_tracking" yaml:"enable_usage_tracking" toml:"enable_usage_tracking"`

	// MaxRegistrations caps the number of live registrations; 0 means no limit.
	MaxRegistrations int `json:"max_registrations" yaml:"max_registrations" toml:"max_registrations"`
}

type ownerKey struct{}

// WithOwner returns a context that attributes registrations made with it to
// owner. This is how a module's registrations are later found for teardown.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom extracts the owner set by WithOwner, or "".
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
