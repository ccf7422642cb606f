package threadpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFuncProcessesAllItems(t *testing.T) {
	var count atomic.Int64
	p := NewFunc(func(item any) {
		count.Add(int64(item.(int)))
	}, WithWorkerCount(2))

	for i := 1; i <= 100; i++ {
		p.Push(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, int64(5050), count.Load())
}

// S3-style setup with four workers: every one of 40 pushed items is
// handled. How the items spread across the workers is not measured.
func TestFourWorkersProcessEveryItem(t *testing.T) {
	var mu sync.Mutex
	seen := map[any]struct{}{}

	gate := make(chan struct{})
	var once sync.Once

	p := NewFunc(func(item any) {
		once.Do(func() { close(gate) })
		<-gate
		mu.Lock()
		seen[item] = struct{}{}
		mu.Unlock()
	}, WithWorkerCount(4))

	for i := 0; i < 40; i++ {
		p.Push(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Len(t, seen, 40)
}

func TestPushAfterShutdownPanics(t *testing.T) {
	p := NewFunc(func(any) {})
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Panics(t, func() { p.Push(1) })
}

func TestPushNilPanics(t *testing.T) {
	p := NewFunc(func(any) {})
	defer func() { _ = p.Shutdown(context.Background()) }()
	assert.Panics(t, func() { p.Push(nil) })
}

type lifecycleHandler struct {
	inits, teardowns atomic.Int64
}

func (h *lifecycleHandler) ThreadInit() any {
	h.inits.Add(1)
	return "thread-local"
}

func (h *lifecycleHandler) HandleItem(threadData, item any) {
	if threadData != "thread-local" {
		panic("thread data not propagated")
	}
}

func (h *lifecycleHandler) ThreadTeardown(threadData any) {
	h.teardowns.Add(1)
}

func TestHandlerLifecycleHooks(t *testing.T) {
	h := &lifecycleHandler{}
	p := New(h, WithWorkerCount(3))
	for i := 0; i < 10; i++ {
		p.Push(i)
	}
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int64(3), h.inits.Load())
	assert.Equal(t, int64(3), h.teardowns.Load())
}

// Repeated idle throughput + shutdown cycles (S4-style): creating and
// tearing down pools repeatedly must not deadlock or leak goroutines.
func TestRepeatedShutdownCycles(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := NewFunc(func(any) {})
		p.Push(1)
		p.Push(2)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p.Shutdown(ctx)
		cancel()
		require.NoError(t, err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := NewFunc(func(any) {})
	ctx := context.Background()
	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))
}

func TestQueueDepthMetricTracksLoad(t *testing.T) {
	block := make(chan struct{})
	p := NewFunc(func(any) { <-block }, WithWorkerCount(1))
	for i := 0; i < 20; i++ {
		p.Push(i)
	}
	// give the metrics a moment to register the backlog
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, p.QueueDepthP99(), float64(0))
	close(block)
	require.NoError(t, p.Shutdown(context.Background()))
}
