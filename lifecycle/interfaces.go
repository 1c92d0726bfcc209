// Package lifecycle provides ordered, asynchronous delivery of lifecycle
// callbacks.
//
// Tasks submitted under the same key run one at a time in submission order.
// Tasks under different keys may run concurrently when more than one worker
// is configured.
package lifecycle

import (
	"context"
	"time"
)

// Task is one unit of callback work.
type Task func(ctx context.Context)

// TaskDispatcher defines the interface for dispatching ordered tasks
type TaskDispatcher interface {
	// Dispatch queues task behind every earlier task with the same key
	Dispatch(key uint64, task Task) error

	// Start begins the worker goroutines
	Start(ctx context.Context) error

	// Stop signals the workers to exit. Queued tasks that have not started
	// are dropped; a task already running is allowed to finish.
	Stop()

	// Wait blocks until every worker has exited or ctx is done
	Wait(ctx context.Context) error

	// Done is closed once every worker has exited
	Done() <-chan struct{}

	// IsRunning returns true between Start and Stop
	IsRunning() bool
}

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(key uint64, recovered any)

// DispatchConfig represents configuration for the task dispatcher
type DispatchConfig struct {
	// Workers is the number of ordering shards. 0 or 1 gives a single FIFO.
	Workers int `json:"workers" yaml:"workers" toml:"workers"`

	// OnPanic is invoked when a task panics. The panic is swallowed either way.
	OnPanic PanicHandler `json:"-" yaml:"-" toml:"-"`
}

// Metrics represents counters about task processing
type Metrics struct {
	Dispatched    int64     `json:"dispatched"`
	Executed      int64     `json:"executed"`
	Dropped       int64     `json:"dropped"`
	Panics        int64     `json:"panics"`
	Pending       int64     `json:"pending"`
	LastTaskTime  time.Time `json:"last_task_time"`
	ActiveWorkers int       `json:"active_workers"`
}
