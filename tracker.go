package svcregistry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/lifecycle"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// failureKey is the dispatcher key for registry-level failures. Registry ids
// start at 1, so it never collides with a registration.
const failureKey = 0

// Tracker keeps a live view of the services matching a contract and filter
// and reports every change to a callback.
//
// On Open, Added is delivered for every existing match on the calling
// goroutine, best rank first, before any later event. Later events are
// delivered asynchronously; per registration they are serialized and in
// causal order, and different registrations may be delivered concurrently
// when more than one dispatch worker is configured.
//
// While tracked, each registration is borrowed from reference counting
// registries; the borrow is released after Removed is delivered or on Close.
type Tracker struct {
	sc         *ServiceContext
	contract   Contract
	filterText string
	filter     *filter.Filter
	callback   TrackerCallback
	workers    int

	mu  sync.Mutex
	gen *generation
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithDispatchWorkers sets how many registrations may have callbacks in
// flight at once. The default is one, which delivers every event in order.
func WithDispatchWorkers(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.workers = n
		}
	}
}

// NewTracker creates a closed tracker. Contract and filter errors are
// reported here rather than on Open.
func (sc *ServiceContext) NewTracker(contract Contract, filterText string, callback TrackerCallback, opts ...TrackerOption) (*Tracker, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	if callback == nil {
		return nil, ErrCallbackNil
	}
	f, err := sc.CompileFilter(filterText)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		sc:         sc,
		contract:   contract,
		filterText: filterText,
		filter:     f,
		callback:   callback,
		workers:    sc.trackerWorkers,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Track creates and opens a tracker.
func (sc *ServiceContext) Track(ctx context.Context, contract Contract, filterText string, callback TrackerCallback, opts ...TrackerOption) (*Tracker, error) {
	t, err := sc.NewTracker(contract, filterText, callback, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Open(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Open starts tracking. Opening an open tracker does nothing; opening a
// closed one starts over with a new ID and an empty view.
func (t *Tracker) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.gen != nil && t.gen.isOpen() {
		t.mu.Unlock()
		return nil
	}
	g := newGeneration(t)
	if err := g.dispatcher.Start(context.Background()); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("starting tracker dispatcher: %w", err)
	}
	t.gen = g
	t.mu.Unlock()

	ctx, span := t.sc.startSpan(ctx, spanTrackerOpen, t.contract, t.filterText)
	err := g.open(ctx)
	endSpan(span, err)
	if err != nil {
		g.close(false)
		return err
	}
	if !g.isOpen() {
		// closed by a callback during the initial Added batch
		return nil
	}

	t.sc.logger.Info("Tracker opened", "tracker", g.id, "contract", t.contract, "filter", t.filterText, "tracked", g.size())
	t.sc.emitEvent(ctx, EventTypeTrackerOpened, g.eventData())
	return nil
}

// Close stops tracking. Queued events are dropped, and an event whose
// delivery had not begun when Close took effect is never delivered. Close does
// not wait for a callback already under way, so it is safe to call from the
// callback; wait on Done before releasing what callbacks use. Close is
// idempotent and does not affect producers.
func (t *Tracker) Close() {
	if g := t.current(); g != nil {
		g.close(true)
	}
}

// Done is closed once a closed tracker has no callback in flight; after that
// the callback is never invoked again for this generation. It is already
// closed for a tracker that was never opened.
func (t *Tracker) Done() <-chan struct{} {
	g := t.current()
	if g == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return g.dispatcher.Done()
}

// ID identifies the current generation; it changes on every Open after Close.
func (t *Tracker) ID() string {
	if g := t.current(); g != nil {
		return g.id
	}
	return ""
}

// Contract returns the tracked contract.
func (t *Tracker) Contract() Contract { return t.contract }

// Filter returns the filter text the tracker was created with.
func (t *Tracker) Filter() string { return t.filterText }

// IsOpen reports whether the tracker is open.
func (t *Tracker) IsOpen() bool {
	g := t.current()
	return g != nil && g.isOpen()
}

// Size returns the number of tracked registrations.
func (t *Tracker) Size() int {
	g := t.current()
	if g == nil {
		return 0
	}
	return g.size()
}

// References returns the tracked registrations, best rank first.
func (t *Tracker) References() []Registration {
	g := t.current()
	if g == nil {
		return nil
	}
	return g.snapshot()
}

// Best returns the best-ranked tracked registration.
func (t *Tracker) Best() Optional[Registration] {
	regs := t.References()
	if len(regs) == 0 {
		return None[Registration]()
	}
	return Some(regs[0])
}

// TrackingCount returns how many times the tracked set changed since Open,
// or -1 when the tracker is closed.
func (t *Tracker) TrackingCount() int64 {
	g := t.current()
	if g == nil || !g.isOpen() {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changes
}

func (t *Tracker) current() *generation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// generation is one Open..Close span of a tracker.
type generation struct {
	t          *Tracker
	id         string
	dispatcher *lifecycle.Dispatcher

	stopped atomic.Bool

	mu        sync.Mutex
	closed    bool
	sub       registry.Subscription
	buffering bool
	buffered  []registry.Event
	tracked   map[registry.ServiceID]*Reference
	changes   int64
}

func newGeneration(t *Tracker) *generation {
	g := &generation{
		t:         t,
		id:        generateEventID(),
		buffering: true,
		tracked:   make(map[registry.ServiceID]*Reference),
	}
	g.dispatcher = lifecycle.NewDispatcher(&lifecycle.DispatchConfig{
		Workers: t.workers,
		OnPanic: func(key uint64, r any) {
			t.sc.logger.Error("Tracker delivery panicked", "tracker", g.id, "key", key, "panic", r)
		},
	})
	return g
}

// open subscribes, then queries, delivers Added for the query result and
// finally replays whatever the subscription saw meanwhile.
func (g *generation) open(ctx context.Context) error {
	t := g.t
	reg := t.sc.registry

	sub, err := reg.Subscribe(ctx, string(t.contract), t.filter, g.listen)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.contract, err)
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.unsubscribe(sub)
		return nil
	}
	g.sub = sub
	g.mu.Unlock()

	records, err := reg.Query(ctx, string(t.contract), t.filter)
	if err != nil {
		return fmt.Errorf("querying %s: %w", t.contract, err)
	}
	regs := make([]Registration, len(records))
	for i, rec := range records {
		regs[i] = registrationFrom(rec)
	}
	sortByRank(regs)
	for _, r := range regs {
		g.handle(ctx, registry.Event{Type: registry.EventRegistered, Record: recordOf(r)})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.buffering = false
	for _, ev := range g.buffered {
		g.enqueue(ev)
	}
	g.buffered = nil
	return nil
}

// listen is the registry listener. It runs under the registry's dispatch
// lock, so it only records the event.
func (g *generation) listen(ev registry.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	if g.buffering {
		g.buffered = append(g.buffered, ev)
		return
	}
	g.enqueue(ev)
}

// enqueue must be called with g.mu held.
func (g *generation) enqueue(ev registry.Event) {
	key := uint64(failureKey)
	if ev.Type != registry.EventFailure {
		key = uint64(ev.Record.ID)
	}
	err := g.dispatcher.Dispatch(key, func(ctx context.Context) {
		g.handle(ctx, ev)
	})
	if err != nil {
		g.t.sc.logger.Debug("Tracker event dropped", "tracker", g.id, "event", ev.Type.String(), "error", err)
	}
}

// handle reconciles one registry event with the tracked set and delivers the
// resulting notification, if any.
func (g *generation) handle(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventRegistered, registry.EventModified:
		g.track(ctx, ev)
	case registry.EventModifiedEndMatch, registry.EventUnregistering:
		g.untrack(ev.Record)
	case registry.EventFailure:
		g.fail(ev.Err)
	}
}

func (g *generation) track(ctx context.Context, ev registry.Event) {
	id := ev.Record.ID

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if ref, tracked := g.tracked[id]; tracked {
		if ev.Type == registry.EventRegistered {
			g.mu.Unlock()
			return
		}
		updated := registrationFrom(ev.Record)
		updated.Service = ref.Service
		ref.Registration = updated
		g.changes++
		g.mu.Unlock()
		g.deliver(EventModified, updated, nil)
		return
	}
	g.mu.Unlock()

	ref, ok, err := g.t.sc.borrow(ctx, ev.Record)
	if err != nil {
		g.fail(fmt.Errorf("borrowing %s/%d: %w", g.t.contract, id, err))
		return
	}
	if !ok {
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ref.Release()
		return
	}
	g.tracked[id] = ref
	g.changes++
	added := ref.Registration
	g.mu.Unlock()
	g.deliver(EventAdded, added, nil)
}

func (g *generation) untrack(rec registry.Record) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	ref, tracked := g.tracked[rec.ID]
	if !tracked {
		g.mu.Unlock()
		return
	}
	delete(g.tracked, rec.ID)
	g.changes++
	removed := registrationFrom(rec)
	removed.Service = ref.Service
	g.mu.Unlock()

	defer ref.Release()
	g.deliver(EventRemoved, removed, nil)
}

func (g *generation) fail(err error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}
	g.t.sc.logger.Warn("Tracker observed registry failure", "tracker", g.id, "contract", g.t.contract, "error", err)
	g.deliver(EventFailed, Registration{}, err)
}

func (g *generation) deliver(kind TrackerEventKind, reg Registration, err error) {
	if g.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.t.sc.logger.Error("Tracker callback panicked", "tracker", g.id, "event", kind.String(), "id", reg.ID, "panic", r)
		}
	}()
	g.t.sc.logger.Debug("Tracker event", "tracker", g.id, "event", kind.String(), "id", reg.ID)
	g.t.callback(TrackerEvent{Kind: kind, Registration: reg, Err: err, TrackerID: g.id})
}

// close ends the generation; it reports whether this call did the closing.
func (g *generation) close(announce bool) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.closed = true
	g.stopped.Store(true)
	sub := g.sub
	held := g.tracked
	g.tracked = make(map[registry.ServiceID]*Reference)
	g.buffered = nil
	g.mu.Unlock()

	g.dispatcher.Stop()
	if sub != nil {
		g.unsubscribe(sub)
	}
	for _, ref := range held {
		ref.Release()
	}

	if announce {
		t := g.t
		t.sc.logger.Info("Tracker closed", "tracker", g.id, "contract", t.contract, "released", len(held))
		t.sc.emitEvent(context.Background(), EventTypeTrackerClosed, TrackerEventData{
			TrackerID: g.id,
			Contract:  string(t.contract),
			Filter:    t.filterText,
			Tracked:   len(held),
		})
	}
	return true
}

func (g *generation) unsubscribe(sub registry.Subscription) {
	if err := g.t.sc.registry.Unsubscribe(context.Background(), sub); err != nil {
		g.t.sc.logger.Debug("Tracker unsubscribe failed", "tracker", g.id, "error", err)
	}
}

func (g *generation) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

func (g *generation) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tracked)
}

func (g *generation) snapshot() []Registration {
	g.mu.Lock()
	regs := make([]Registration, 0, len(g.tracked))
	for _, ref := range g.tracked {
		regs = append(regs, ref.Registration)
	}
	g.mu.Unlock()

	sortByRank(regs)
	return regs
}

func (g *generation) eventData() TrackerEventData {
	return TrackerEventData{
		TrackerID: g.id,
		Contract:  string(g.t.contract),
		Filter:    g.t.filterText,
		Tracked:   g.size(),
	}
}
