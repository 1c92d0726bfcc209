package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Static errors for lifecycle package
var (
	ErrDispatcherNotRunning     = errors.New("dispatcher is not running")
	ErrDispatcherAlreadyRunning = errors.New("dispatcher is already running")
	ErrDispatcherStopped        = errors.New("dispatcher has been stopped")
	ErrTaskCannotBeNil          = errors.New("task cannot be nil")
)

// Dispatcher implements the TaskDispatcher interface with one goroutine per
// shard. Each shard owns an unbounded FIFO so Dispatch never blocks.
type Dispatcher struct {
	mu      sync.RWMutex
	running bool
	stopped bool
	config  *DispatchConfig
	shards  []*shard

	stopChan chan struct{}
	doneChan chan struct{}
	wg       sync.WaitGroup

	dispatched atomic.Int64
	executed   atomic.Int64
	dropped    atomic.Int64
	panics     atomic.Int64
	lastTask   atomic.Int64
	active     atomic.Int32
}

type queued struct {
	key  uint64
	task Task
}

type shard struct {
	mu     sync.Mutex
	queue  []queued
	signal chan struct{}
}

func (s *shard) push(q queued) {
	s.mu.Lock()
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queued{}, false
	}
	q := s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	return q, true
}

func (s *shard) drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NewDispatcher creates a new task dispatcher
func NewDispatcher(config *DispatchConfig) *Dispatcher {
	if config == nil {
		config = &DispatchConfig{Workers: 1}
	}
	workers := config.Workers
	if workers < 1 {
		workers = 1
	}

	shards := make([]*shard, workers)
	for i := range shards {
		shards[i] = &shard{signal: make(chan struct{}, 1)}
	}

	return &Dispatcher{
		config:   config,
		shards:   shards,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Dispatch queues task on the shard selected by key.
func (d *Dispatcher) Dispatch(key uint64, task Task) error {
	if task == nil {
		return ErrTaskCannotBeNil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrDispatcherNotRunning
	}

	d.dispatched.Add(1)
	d.shards[key%uint64(len(d.shards))].push(queued{key: key, task: task})
	return nil
}

// Start begins the worker goroutines. A stopped dispatcher cannot be
// restarted.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	if d.stopped {
		return ErrDispatcherStopped
	}

	d.running = true
	d.wg.Add(len(d.shards))
	for _, s := range d.shards {
		go d.processTasks(ctx, s)
	}
	go func() {
		d.wg.Wait()
		close(d.doneChan)
	}()

	return nil
}

// Stop signals every worker to exit and drops queued tasks. It does not wait,
// so it is safe to call from inside a running task.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	wasRunning := d.running
	d.running = false
	close(d.stopChan)

	for _, s := range d.shards {
		d.dropped.Add(int64(s.drain()))
	}
	if !wasRunning {
		close(d.doneChan)
	}
}

// Wait blocks until every worker has exited or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.doneChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatcher workers: %w", ctx.Err())
	}
}

// Done is closed once every worker has exited after Stop.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneChan
}

// IsRunning returns true if the dispatcher is currently running
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Stopped reports whether Stop has been called. Tasks may use it to skip
// work queued before a shutdown they did not observe.
func (d *Dispatcher) Stopped() bool {
	select {
	case <-d.stopChan:
		return true
	default:
		return false
	}
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() Metrics {
	var pending int64
	for _, s := range d.shards {
		pending += int64(s.len())
	}
	m := Metrics{
		Dispatched:    d.dispatched.Load(),
		Executed:      d.executed.Load(),
		Dropped:       d.dropped.Load(),
		Panics:        d.panics.Load(),
		Pending:       pending,
		ActiveWorkers: int(d.active.Load()),
	}
	if ts := d.lastTask.Load(); ts != 0 {
		m.LastTaskTime = time.Unix(0, ts)
	}
	return m
}

// processTasks runs one shard until Stop or ctx cancellation.
func (d *Dispatcher) processTasks(ctx context.Context, s *shard) {
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	for {
		for {
			if d.Stopped() || ctx.Err() != nil {
				d.dropped.Add(int64(s.drain()))
				return
			}
			q, ok := s.pop()
			if !ok {
				break
			}
			d.run(ctx, q)
		}

		select {
		case <-s.signal:
		case <-d.stopChan:
			d.dropped.Add(int64(s.drain()))
			return
		case <-ctx.Done():
			d.dropped.Add(int64(s.drain()))
			return
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, q queued) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			if d.config.OnPanic != nil {
				d.config.OnPanic(q.key, r)
			}
		}
	}()
	d.lastTask.Store(time.Now().UnixNano())
	q.task(ctx)
	d.executed.Add(1)
}
