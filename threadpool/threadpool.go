// Package threadpool implements the fixed-size worker pool that invokes
// task callbacks off the event-loop thread. Work items are pushed onto a
// single shared queue; each worker pops items in a loop, processes them
// through a caller-supplied vtable, and exits on a one-per-worker sentinel
// pushed by Shutdown.
package threadpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/havocp/hrt-go/hrtlog"
	"github.com/joeycumines/go-catrate"
)

const defaultWorkerCount = 4

// ContractError reports a violation of a Pool precondition, e.g. Push after
// Shutdown.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("threadpool: %s: %s", e.Op, e.Message)
}

func contractf(op, format string, args ...any) {
	panic(&ContractError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// Handler is the vtable a Pool dispatches work items through, mirroring the
// three lifecycle hooks of the pool's worker threads: per-worker setup,
// per-item handling, and per-worker teardown.
type Handler interface {
	// ThreadInit is called once per worker goroutine, before it pops any
	// items, and may return a thread-local value passed to HandleItem.
	ThreadInit() any
	// HandleItem processes a single pushed item on the calling worker.
	HandleItem(threadData, item any)
	// ThreadTeardown is called once per worker goroutine, after its last
	// HandleItem call, before the goroutine exits.
	ThreadTeardown(threadData any)
}

// HandlerFunc adapts a single function into a Handler with no per-thread
// state, mirroring hrt_thread_pool_new_func's simplified constructor.
type HandlerFunc func(item any)

func (f HandlerFunc) ThreadInit() any                    { return nil }
func (f HandlerFunc) HandleItem(_ any, item any)          { f(item) }
func (f HandlerFunc) ThreadTeardown(any)                  {}

// sentinel is a unique, never-equal-to-a-real-item value pushed exactly once
// per worker at shutdown.
type sentinel struct{}

// Pool is a fixed-size worker pool draining a single shared queue of
// items, dispatched through a Handler. The queue is a channel buffered to
// 64 items: it is not unbounded, and Push blocks while it is full.
type Pool struct {
	handler Handler
	queue   chan any
	wg      sync.WaitGroup

	metricsMu sync.Mutex
	metrics   poolMetrics

	overloadLimiter *catrate.Limiter

	shutdownOnce sync.Once
	shutdown     chan struct{}
	n            int
}

// Option configures a Pool at construction.
type Option func(*config)

type config struct {
	workers         int
	overloadLimiter *catrate.Limiter
}

// WithWorkerCount overrides the default worker count (4). Automatic
// core-count scaling is deliberately not offered: a library that silently
// varies its concurrency with the host's core count produces behavior that
// is hard to reason about across environments.
func WithWorkerCount(n int) Option {
	return func(c *config) {
		if n <= 0 {
			contractf("WithWorkerCount", "n must be positive, got %d", n)
		}
		c.workers = n
	}
}

// WithOverloadRateLimiter installs a catrate.Limiter used to rate-limit the
// "queue depth high" diagnostic log line, so a burst of slow workers
// doesn't flood the log.
func WithOverloadRateLimiter(l *catrate.Limiter) Option {
	return func(c *config) { c.overloadLimiter = l }
}

// New creates a Pool dispatching through handler, and starts its workers
// immediately.
func New(handler Handler, opts ...Option) *Pool {
	c := config{workers: defaultWorkerCount}
	for _, o := range opts {
		o(&c)
	}
	if c.overloadLimiter == nil {
		c.overloadLimiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
		})
	}

	p := &Pool{
		handler:         handler,
		queue:           make(chan any, 64),
		overloadLimiter: c.overloadLimiter,
		shutdown:        make(chan struct{}),
		n:               c.workers,
	}

	p.wg.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go p.run()
	}
	return p
}

// NewFunc is a convenience constructor for the common case of a single
// stateless handler function, mirroring hrt_thread_pool_new_func.
func NewFunc(handler func(item any), opts ...Option) *Pool {
	return New(HandlerFunc(handler), opts...)
}

func (p *Pool) run() {
	defer p.wg.Done()
	threadData := p.handler.ThreadInit()
	defer p.handler.ThreadTeardown(threadData)

	for item := range p.queue {
		if _, ok := item.(sentinel); ok {
			return
		}
		p.recordDequeue()
		p.handler.HandleItem(threadData, item)
	}
}

// Push enqueues item for processing by some worker. Panics if Push is
// called after Shutdown, or if item is nil.
func (p *Pool) Push(item any) {
	if item == nil {
		contractf("Push", "item must not be nil")
	}
	select {
	case <-p.shutdown:
		contractf("Push", "pool is shutting down")
	default:
	}
	p.recordEnqueue()
	p.queue <- item
}

// Shutdown pushes one sentinel per worker and blocks until every worker has
// drained its real items and exited. Calling Shutdown more than once is a
// no-op after the first call completes.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
		for i := 0; i < p.n; i++ {
			p.queue <- sentinel{}
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poolMetrics tracks the current queue depth and a P99 estimate of the
// depth observed at enqueue time, via the P-Square streaming quantile
// estimator, so overload can be observed without storing every
// observation.
type poolMetrics struct {
	depth      int64
	queueDepth *pSquareQuantile
}

func (p *Pool) recordEnqueue() {
	p.metricsMu.Lock()
	p.depthInit()
	p.metrics.depth++
	depth := p.metrics.depth
	p.metrics.queueDepth.Update(float64(depth))
	p.metricsMu.Unlock()

	if depth > int64(p.n)*4 {
		if _, ok := p.overloadLimiter.Allow("queue-depth-high"); ok {
			hrtlog.Log(hrtlog.LevelWarn, "threadpool", "queue depth high", nil, map[string]any{
				"depth":   depth,
				"workers": p.n,
			})
		}
	}
}

func (p *Pool) recordDequeue() {
	p.metricsMu.Lock()
	p.metrics.depth--
	p.metricsMu.Unlock()
}

func (p *Pool) depthInit() {
	if p.metrics.queueDepth == nil {
		p.metrics.queueDepth = newPSquareQuantile(0.99)
	}
}

// QueueDepthP99 returns the P99 estimate of observed queue depth at
// enqueue time.
func (p *Pool) QueueDepthP99() float64 {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	if p.metrics.queueDepth == nil {
		return 0
	}
	return p.metrics.queueDepth.Quantile()
}
