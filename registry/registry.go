package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/metadata"
)

// Static errors for registry package
var (
	ErrNotFound            = errors.New("service not found")
	ErrUnavailable         = errors.New("registry unavailable")
	ErrInvalidRegistration = errors.New("invalid service registration")
	ErrCapacityExceeded    = errors.New("registry capacity exceeded")
	ErrListenerNil         = errors.New("listener cannot be nil")
	ErrInvalidSubscription = errors.New("invalid subscription type")
)

// Memory implements Registry, Modifier, RefCounter, OwnerScope and Lister
// with map-based storage.
//
// Mutations hold mu while changing state and then hand over to dispatchMu
// before releasing mu, so listeners observe events in exactly the order the
// mutations were applied.
type Memory struct {
	mu         sync.RWMutex
	dispatchMu sync.Mutex

	services   map[ServiceID]*entry
	byContract map[string]map[ServiceID]*entry
	subs       map[string]*subscription
	seq        uint64
	closed     bool
	config     *Config

	delivered      atomic.Uint64
	listenerPanics atomic.Uint64
}

type entry struct {
	record Record
	usage  atomic.Int64
}

type subscription struct {
	id       string
	contract string
	filter   *filter.Filter
	listener Listener
	active   atomic.Bool
}

func (s *subscription) ID() string             { return s.id }
func (s *subscription) Contract() string       { return s.contract }
func (s *subscription) Filter() *filter.Filter { return s.filter }

// NewMemory creates a new in-memory registry.
func NewMemory(config *Config) *Memory {
	if config == nil {
		config = &Config{EnableUsageTracking: true}
	}
	return &Memory{
		services:   make(map[ServiceID]*entry),
		byContract: make(map[string]map[ServiceID]*entry),
		subs:       make(map[string]*subscription),
		config:     config,
	}
}

// Register registers a service with the registry
func (m *Memory) Register(ctx context.Context, contract string, service any, props metadata.Properties) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if contract == "" {
		return Record{}, fmt.Errorf("%w: empty contract", ErrInvalidRegistration)
	}
	if service == nil {
		return Record{}, fmt.Errorf("%w: nil service", ErrInvalidRegistration)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrUnavailable
	}
	if m.config.MaxRegistrations > 0 && len(m.services) >= m.config.MaxRegistrations {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, m.config.MaxRegistrations)
	}

	m.seq++
	e := &entry{record: Record{
		ID:           ServiceID(m.seq),
		Contract:     contract,
		Service:      service,
		Properties:   props,
		Sequence:     m.seq,
		Owner:        OwnerFrom(ctx),
		RegisteredAt: time.Now(),
	}}
	m.services[e.record.ID] = e
	if m.byContract[contract] == nil {
		m.byContract[contract] = make(map[ServiceID]*entry)
	}
	m.byContract[contract][e.record.ID] = e

	targets := m.matchingLocked(contract, props)
	rec := e.record
	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	m.deliver(targets, Event{Type: EventRegistered, Record: rec})
	return rec, nil
}

// Unregister removes a service from the registry
func (m *Memory) Unregister(ctx context.Context, id ServiceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnavailable
	}
	e, exists := m.services[id]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.removeLocked(e)

	targets := m.matchingLocked(e.record.Contract, e.record.Properties)
	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	m.deliver(targets, Event{Type: EventUnregistering, Record: e.record})
	return nil
}

// UnregisterOwner removes every registration made under owner and returns how
// many were removed.
func (m *Memory) UnregisterOwner(ctx context.Context, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if owner == "" {
		return 0, fmt.Errorf("%w: empty owner", ErrInvalidRegistration)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrUnavailable
	}
	var removed []*entry
	for _, e := range m.services {
		if e.record.Owner == owner {
			removed = append(removed, e)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].record.ID < removed[j].record.ID })

	type pending struct {
		targets []*subscription
		record  Record
	}
	batch := make([]pending, 0, len(removed))
	for _, e := range removed {
		m.removeLocked(e)
		batch = append(batch, pending{
			targets: m.matchingLocked(e.record.Contract, e.record.Properties),
			record:  e.record,
		})
	}
	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	for _, p := range batch {
		m.deliver(p.targets, Event{Type: EventUnregistering, Record: p.record})
	}
	return len(removed), nil
}

// Modify replaces the metadata of a live registration.
func (m *Memory) Modify(ctx context.Context, id ServiceID, props metadata.Properties) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrUnavailable
	}
	e, exists := m.services[id]
	if !exists {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	old := e.record.Properties
	e.record.Properties = props
	rec := e.record

	var modified, endMatch []*subscription
	for _, sub := range m.subs {
		if sub.contract != rec.Contract {
			continue
		}
		switch {
		case sub.filter.Match(props):
			modified = append(modified, sub)
		case sub.filter.Match(old):
			endMatch = append(endMatch, sub)
		}
	}
	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	m.deliver(modified, Event{Type: EventModified, Record: rec})
	m.deliver(endMatch, Event{Type: EventModifiedEndMatch, Record: rec})
	return rec, nil
}

// Query returns the registrations for contract matching f, ordered by id.
func (m *Memory) Query(ctx context.Context, contract string, f *filter.Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}

	entries := m.byContract[contract]
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if f.Match(e.record.Properties) {
			records = append(records, e.record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Subscribe attaches listener to registrations of contract matching f.
func (m *Memory) Subscribe(ctx context.Context, contract string, f *filter.Filter, listener Listener) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, ErrListenerNil
	}

	sub := &subscription{
		id:       uuid.New().String(),
		contract: contract,
		filter:   f,
		listener: listener,
	}
	sub.active.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe detaches a listener. It also succeeds after Close.
func (m *Memory) Unsubscribe(ctx context.Context, s Subscription) error {
	sub, ok := s.(*subscription)
	if !ok {
		return ErrInvalidSubscription
	}
	sub.active.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.id)
	return nil
}

// Acquire borrows the service behind id.
func (m *Memory) Acquire(ctx context.Context, id ServiceID) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	e, exists := m.services[id]
	if !exists {
		return nil, ErrNotFound
	}
	if m.config.EnableUsageTracking {
		e.usage.Add(1)
	}
	return e.record.Service, nil
}

// Release returns a borrow taken with Acquire.
func (m *Memory) Release(ctx context.Context, id ServiceID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.services[id]
	if !exists || !m.config.EnableUsageTracking {
		return nil
	}
	for {
		current := e.usage.Load()
		if current <= 0 {
			return nil
		}
		if e.usage.CompareAndSwap(current, current-1) {
			return nil
		}
	}
}

// UsageCount reports outstanding borrows for id; 0 once unregistered.
func (m *Memory) UsageCount(id ServiceID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.services[id]
	if !exists {
		return 0
	}
	return int(e.usage.Load())
}

// Contracts returns every contract with at least one registration, sorted.
func (m *Memory) Contracts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	contracts := make([]string, 0, len(m.byContract))
	for contract := range m.byContract {
		contracts = append(contracts, contract)
	}
	sort.Strings(contracts)
	return contracts, nil
}

// List returns all registrations ordered by id.
func (m *Memory) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	records := make([]Record, 0, len(m.services))
	for _, e := range m.services {
		records = append(records, e.record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Close makes the registry unavailable. Every live subscription receives an
// EventFailure carrying ErrUnavailable; later calls fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	targets := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		targets = append(targets, sub)
	}
	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	m.deliver(targets, Event{Type: EventFailure, Err: ErrUnavailable})
	return nil
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Registrations  int
	Subscriptions  int
	Borrows        int64
	ByContract     map[string]int
	Delivered      uint64
	ListenerPanics uint64
}

// Stats returns current counters for monitoring and tests.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Registrations:  len(m.services),
		Subscriptions:  len(m.subs),
		ByContract:     make(map[string]int, len(m.byContract)),
		Delivered:      m.delivered.Load(),
		ListenerPanics: m.listenerPanics.Load(),
	}
	for contract, entries := range m.byContract {
		s.ByContract[contract] = len(entries)
	}
	for _, e := range m.services {
		s.Borrows += e.usage.Load()
	}
	return s
}

func (m *Memory) removeLocked(e *entry) {
	delete(m.services, e.record.ID)
	if entries, ok := m.byContract[e.record.Contract]; ok {
		delete(entries, e.record.ID)
		if len(entries) == 0 {
			delete(m.byContract, e.record.Contract)
		}
	}
}

func (m *Memory) matchingLocked(contract string, props metadata.Properties) []*subscription {
	var targets []*subscription
	for _, sub := range m.subs {
		if sub.contract == contract && sub.filter.Match(props) {
			targets = append(targets, sub)
		}
	}
	return targets
}

// deliver must be called with dispatchMu held.
func (m *Memory) deliver(targets []*subscription, ev Event) {
	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		m.invoke(sub, ev)
	}
}

func (m *Memory) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.listenerPanics.Add(1)
		}
	}()
	sub.listener(ev)
	m.delivered.Add(1)
}
