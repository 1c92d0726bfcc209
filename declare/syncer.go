package declare

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// Static errors for the syncer
var (
	ErrSyncerRunning   = errors.New("syncer is already running")
	ErrInvalidSchedule = errors.New("invalid resync schedule")
)

// Result summarizes one Sync.
type Result struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Replaced  int `json:"replaced"`
	Removed   int `json:"removed"`
	Restored  int `json:"restored"` // republished after disappearing from the registry
	Unchanged int `json:"unchanged"`
}

// Changed reports whether the sync touched the registry.
func (r Result) Changed() bool {
	return r.Added+r.Updated+r.Replaced+r.Removed+r.Restored > 0
}

type entry struct {
	decl   Declaration
	handle *svcregistry.RegistrationHandle
}

// Syncer mirrors a declarations file into a service context.
type Syncer struct {
	sc       *svcregistry.ServiceContext
	path     string
	owner    string
	logger   svcregistry.Logger
	watch    bool
	debounce time.Duration
	resync   string

	mu        sync.Mutex
	published map[string]*entry
	lastSync  time.Time
	lastErr   error

	running bool
	trigger chan struct{}
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithOwner sets the owner recorded on declared registrations.
func WithOwner(owner string) Option {
	return func(s *Syncer) { s.owner = owner }
}

// WithLogger overrides the service context's logger.
func WithLogger(logger svcregistry.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWatch enables re-syncing when the file changes, debounced by d.
func WithWatch(enabled bool, d time.Duration) Option {
	return func(s *Syncer) {
		s.watch = enabled
		s.debounce = d
	}
}

// WithResync schedules periodic re-syncs using cron syntax, e.g. "@every 1m".
func WithResync(spec string) Option {
	return func(s *Syncer) { s.resync = spec }
}

// NewSyncer creates a syncer for the declarations file at path.
func NewSyncer(sc *svcregistry.ServiceContext, path string, opts ...Option) (*Syncer, error) {
	if sc == nil {
		return nil, svcregistry.ErrRegistryNil
	}
	s := &Syncer{
		sc:        sc,
		path:      path,
		owner:     "declarations",
		logger:    sc.Logger(),
		debounce:  250 * time.Millisecond,
		published: make(map[string]*entry),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resync != "" {
		if _, err := cron.ParseStandard(s.resync); err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, s.resync, err)
		}
	}
	return s, nil
}

// Sync reads the file and applies the difference to the registry. A file that
// fails to parse leaves the registry untouched. Per-entry failures are joined
// into the returned error; the remaining entries are still applied.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	f, err := ParseFile(s.path)
	if err == nil {
		var decls []compiled
		decls, err = f.compile()
		if err == nil {
			return s.apply(ctx, decls)
		}
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Error("Declarations rejected", "path", s.path, "error", err)
	return Result{}, err
}

func (s *Syncer) apply(ctx context.Context, decls []compiled) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = registry.WithOwner(ctx, s.owner)
	var res Result
	var errs []error
	wanted := make(map[string]struct{}, len(decls))

	live := make(map[svcregistry.Contract]map[registry.ServiceID]struct{})

	for _, c := range decls {
		wanted[c.decl.Key] = struct{}{}
		cur, ok := s.published[c.decl.Key]
		if ok && !s.isLive(ctx, live, cur.handle) {
			delete(s.published, c.decl.Key)
			if err := s.publish(ctx, c); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Restored++
			continue
		}
		switch {
		case !ok:
			if err := s.publish(ctx, c); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Added++
		case cur.decl.Contract != c.decl.Contract || !reflect.DeepEqual(cur.decl.Value, c.decl.Value):
			if err := s.replace(ctx, cur, c); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Replaced++
		case !cur.handle.Properties().Equal(c.props):
			err := cur.handle.UpdateMetadata(ctx, c.props)
			switch {
			case err == nil:
				cur.decl = c.decl
				res.Updated++
			case errors.Is(err, svcregistry.ErrModifyUnsupported), errors.Is(err, svcregistry.ErrHandleUnregistered):
				if err := s.replace(ctx, cur, c); err != nil {
					errs = append(errs, err)
					continue
				}
				res.Replaced++
			default:
				errs = append(errs, fmt.Errorf("updating %q: %w", c.decl.Key, err))
			}
		default:
			res.Unchanged++
		}
	}

	for _, key := range s.sortedKeys() {
		if _, ok := wanted[key]; ok {
			continue
		}
		if err := s.published[key].handle.Unregister(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unregistering %q: %w", key, err))
			continue
		}
		delete(s.published, key)
		res.Removed++
	}

	err := errors.Join(errs...)
	s.lastSync = time.Now()
	s.lastErr = err
	if res.Changed() || err != nil {
		s.logger.Info("Declarations synced",
			"path", s.path,
			"added", res.Added,
			"updated", res.Updated,
			"replaced", res.Replaced,
			"removed", res.Removed,
			"restored", res.Restored,
			"error", err)
	}
	return res, err
}

func (s *Syncer) publish(ctx context.Context, c compiled) error {
	svc := &Service{Key: c.decl.Key, Contract: c.decl.Contract, Value: c.decl.Value}
	h, err := s.sc.Publish(ctx, c.contract, svc, c.props)
	if err != nil {
		return fmt.Errorf("publishing %q: %w", c.decl.Key, err)
	}
	s.published[c.decl.Key] = &entry{decl: c.decl, handle: h}
	return nil
}

func (s *Syncer) replace(ctx context.Context, cur *entry, c compiled) error {
	if err := cur.handle.Unregister(ctx); err != nil {
		return fmt.Errorf("replacing %q: %w", c.decl.Key, err)
	}
	delete(s.published, c.decl.Key)
	return s.publish(ctx, c)
}

// isLive reports whether h's registration is still in the registry. Live IDs
// are queried once per contract and memoized in live.
func (s *Syncer) isLive(ctx context.Context, live map[svcregistry.Contract]map[registry.ServiceID]struct{}, h *svcregistry.RegistrationHandle) bool {
	if h.Unregistered() {
		return false
	}
	ids, ok := live[h.Contract()]
	if !ok {
		recs, err := s.sc.Registry().Query(ctx, string(h.Contract()), nil)
		if err != nil {
			// leave the entry alone, the next sync will look again
			return true
		}
		ids = make(map[registry.ServiceID]struct{}, len(recs))
		for _, rec := range recs {
			ids[rec.ID] = struct{}{}
		}
		live[h.Contract()] = ids
	}
	_, ok = ids[h.ID()]
	return ok
}

func (s *Syncer) sortedKeys() []string {
	keys := make([]string, 0, len(s.published))
	for k := range s.published {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Published returns the keys currently registered, sorted.
func (s *Syncer) Published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeys()
}

// Handle returns the live registration for key.
func (s *Syncer) Handle(key string) (*svcregistry.RegistrationHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.published[key]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// LastSync reports when the file was last applied and the error, if any, of
// the most recent attempt.
func (s *Syncer) LastSync() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}

// Trigger requests an asynchronous re-sync from a running syncer. Requests
// made while one is already pending are coalesced.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Close unregisters every declared service.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, key := range s.sortedKeys() {
		if err := s.published[key].handle.Unregister(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unregistering %q: %w", key, err))
			continue
		}
		delete(s.published, key)
	}
	return errors.Join(errs...)
}

// Run starts the watcher and the resync schedule, syncs once, then keeps
// syncing on file changes and schedule ticks until ctx is cancelled. Declared services are unregistered before
// Run returns. Syncs never overlap.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSyncerRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to unregister declarations", "error", err)
		}
	}()

	var changes <-chan struct{}
	var watchErrs <-chan error
	if s.watch {
		w, err := newWatcher(s.path, s.debounce)
		if err != nil {
			return err
		}
		if err := w.start(); err != nil {
			_ = w.stop()
			return err
		}
		defer func() { _ = w.stop() }()
		changes = w.changes
		watchErrs = w.errs
	}

	if s.resync != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.resync, s.Trigger); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, s.resync, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	if _, err := s.Sync(ctx); err != nil {
		s.logger.Warn("Initial declarations sync incomplete", "error", err)
	}

	s.logger.Info("Watching declarations", "path", s.path, "watch", s.watch, "resync", s.resync)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			_, _ = s.Sync(ctx)
		case <-s.trigger:
			_, _ = s.Sync(ctx)
		case err := <-watchErrs:
			s.logger.Warn("Declarations watcher error", "path", s.path, "error", err)
		}
	}
}

// ServiceOf extracts the declared value from a looked-up service.
func ServiceOf(svc any) (*Service, bool) {
	d, ok := svc.(*Service)
	return d, ok
}
