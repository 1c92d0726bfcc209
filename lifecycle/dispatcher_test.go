package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, cfg *DispatchConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcher_RequiresStart(t *testing.T) {
	d := NewDispatcher(nil)
	assert.False(t, d.IsRunning())
	assert.ErrorIs(t, d.Dispatch(1, func(context.Context) {}), ErrDispatcherNotRunning)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherAlreadyRunning)
	assert.ErrorIs(t, d.Dispatch(1, nil), ErrTaskCannotBeNil)

	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherStopped)
	assert.ErrorIs(t, d.Dispatch(1, func(context.Context) {}), ErrDispatcherNotRunning)
}

func TestDispatcher_SameKeyPreservesOrder(t *testing.T) {
	d := startDispatcher(t, &DispatchConfig{Workers: 4})

	var mu sync.Mutex
	got := map[uint64][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		key := uint64(i % 5)
		n := i
		wg.Add(1)
		require.NoError(t, d.Dispatch(key, func(context.Context) {
			defer wg.Done()
			mu.Lock()
			got[key] = append(got[key], n)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for key, seq := range got {
		require.Len(t, seq, 20)
		for i := 1; i < len(seq); i++ {
			assert.Less(t, seq[i-1], seq[i], "key %d out of order", key)
		}
	}
	assert.Equal(t, int64(100), d.Metrics().Executed)
}

func TestDispatcher_StopDropsQueuedTasks(t *testing.T) {
	d := startDispatcher(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Dispatch(0, func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ran := false
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(0, func(context.Context) { ran = true }))
	}

	d.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.False(t, ran)
	assert.Equal(t, int64(3), d.Metrics().Dropped)
}

func TestDispatcher_StopFromInsideTask(t *testing.T) {
	d := startDispatcher(t, nil)

	require.NoError(t, d.Dispatch(0, func(context.Context) { d.Stop() }))

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after Stop from a task")
	}
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	var mu sync.Mutex
	var recovered []any
	d := startDispatcher(t, &DispatchConfig{OnPanic: func(key uint64, r any) {
		mu.Lock()
		defer mu.Unlock()
		recovered = append(recovered, r)
	}})

	done := make(chan struct{})
	require.NoError(t, d.Dispatch(7, func(context.Context) { panic("boom") }))
	require.NoError(t, d.Dispatch(7, func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"boom"}, recovered)
	assert.Equal(t, int64(1), d.Metrics().Panics)
}

func TestDispatcher_WaitHonoursContext(t *testing.T) {
	d := startDispatcher(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.Canceled)
}

func TestDispatcher_StopBeforeStart(t *testing.T) {
	d := NewDispatcher(nil)
	d.Stop()
	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed when never started")
	}
}
