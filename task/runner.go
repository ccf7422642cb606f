package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/havocp/hrt-go/hrtlog"
	"github.com/havocp/hrt-go/loop"
	"github.com/havocp/hrt-go/threadlocal"
	"github.com/havocp/hrt-go/threadpool"
	catrate "github.com/joeycumines/go-catrate"
)

// pendingWarnThreshold is the per-task invoker pending-list length past
// which Runner logs a rate-limited "invoker pending queue high" warning:
// an indicator that a task's callbacks are running slower than new
// readiness events are arriving for it.
const pendingWarnThreshold = 64

// notifyToken is the watcher token registered once with the loop so the
// "tasks-completed" transition is reported on the loop thread (spec §4.5.4),
// rather than from whichever worker goroutine happened to complete a task.
type notifyToken struct{}

// invocationItem is the unit of work a Runner pushes onto its ThreadPool:
// a watcher ready to invoke, plus the events it was ready with.
type invocationItem struct {
	watcher *Watcher
	events  IOEvent
}

// Runner couples a Loop to a ThreadPool: the loop reports readiness,
// which the Runner hands to the pool for invocation under each task's
// serialization, and collects completed tasks for draining via
// PopCompleted. Grounded on hrt-task-runner.h's HrtTaskRunner plus
// hrt-task-private.h's _hrt_task_runner_* internal dispatch API.
type Runner struct {
	loop *loop.Loop
	pool *threadpool.Pool

	overloadLimiter *catrate.Limiter
	metrics         *Metrics

	tasksMu   sync.Mutex
	liveTasks map[*Task]struct{}

	completedMu    sync.Mutex
	completedQueue []*Task
	notifyPending  atomic.Bool

	notifyMu    sync.Mutex
	onCompleted func()

	shuttingDown atomic.Bool
}

// RunnerOption configures a Runner at construction, grounded on
// eventloop/options.go's functional-option pattern.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	loopKind        loop.Kind
	workerCount     int
	logger          hrtlog.Logger
	metrics         bool
	overloadLimiter *catrate.Limiter
}

// WithEventLoopKind selects the Runner's event loop backend. Default is
// loop.KindLibev.
func WithEventLoopKind(k loop.Kind) RunnerOption {
	return func(c *runnerConfig) { c.loopKind = k }
}

// WithWorkerCount overrides the default worker pool size (4).
func WithWorkerCount(n int) RunnerOption {
	return func(c *runnerConfig) {
		if n <= 0 {
			contractf("WithWorkerCount", "n must be positive, got %d", n)
		}
		c.workerCount = n
	}
}

// WithLogger installs l as the process-wide hrtlog logger. A Runner with
// no WithLogger leaves whatever logger the host already configured (or
// the no-op default) in place.
func WithLogger(l hrtlog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// WithMetrics enables P²-quantile invocation-latency and task-count
// tracking, retrievable via Runner.Metrics.
func WithMetrics(enabled bool) RunnerOption {
	return func(c *runnerConfig) { c.metrics = enabled }
}

// WithOverloadRateLimiter overrides the catrate.Limiter used to rate-limit
// the "invoker pending queue high" diagnostic log.
func WithOverloadRateLimiter(l *catrate.Limiter) RunnerOption {
	return func(c *runnerConfig) { c.overloadLimiter = l }
}

// New constructs a Runner, its worker pool, and its event loop, and opens
// the loop's backend. Call Run on a dedicated goroutine to start
// processing.
func New(opts ...RunnerOption) (*Runner, error) {
	c := runnerConfig{loopKind: loop.KindLibev, workerCount: 4}
	for _, o := range opts {
		o(&c)
	}
	if c.overloadLimiter == nil {
		c.overloadLimiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
		})
	}
	if c.logger != nil {
		hrtlog.SetLogger(c.logger)
	}

	r := &Runner{
		liveTasks:       make(map[*Task]struct{}),
		overloadLimiter: c.overloadLimiter,
	}
	if c.metrics {
		r.metrics = newMetrics()
	}

	r.pool = threadpool.New(&poolHandler{runner: r}, threadpool.WithWorkerCount(c.workerCount))

	l, err := loop.New(r, loop.WithKind(c.loopKind))
	if err != nil {
		return nil, err
	}
	r.loop = l
	r.loop.CreateIdleWatcher(notifyToken{})

	return r, nil
}

// Run drives the Runner's event loop until Shutdown is called. Must be
// called from exactly one goroutine.
func (r *Runner) Run() {
	r.loop.Run()
}

// WaitRunning blocks until the Runner's loop's running state matches want.
func (r *Runner) WaitRunning(want bool) {
	r.loop.WaitRunning(want)
}

// Metrics returns the Runner's metrics, or nil if WithMetrics(true) was
// not passed to New.
func (r *Runner) Metrics() *Metrics { return r.metrics }

// CreateTask creates a new Task. If parent is non-nil the task is
// considered a subtask of parent for bookkeeping purposes (Parent()),
// though spec.md's subtask *watcher* relationship is independent of this
// and created explicitly via parent.AddSubtask(child, ...).
func (r *Runner) CreateTask(parent *Task) *Task {
	if r.shuttingDown.Load() {
		contractf("CreateTask", "runner is shutting down")
	}
	t := &Task{runner: r, parent: parent}
	r.tasksMu.Lock()
	r.liveTasks[t] = struct{}{}
	r.tasksMu.Unlock()
	return t
}

// PopCompleted returns one completed task, or (nil, false) if the
// completed queue is empty. Never blocks.
func (r *Runner) PopCompleted() (*Task, bool) {
	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	if len(r.completedQueue) == 0 {
		return nil, false
	}
	t := r.completedQueue[0]
	r.completedQueue = r.completedQueue[1:]
	return t, true
}

// OnTasksCompleted registers fn to be called, on the loop thread, whenever
// the completed queue transitions from empty to non-empty (and again for
// any completion that arrives while the host hasn't yet drained via
// PopCompleted — level-triggered, per spec.md §4.5.4).
func (r *Runner) OnTasksCompleted(fn func()) {
	r.notifyMu.Lock()
	r.onCompleted = fn
	r.notifyMu.Unlock()
}

func (r *Runner) markTaskCompleted(t *Task) {
	r.completedMu.Lock()
	r.completedQueue = append(r.completedQueue, t)
	r.completedMu.Unlock()
	r.notifyPending.Store(true)

	r.tasksMu.Lock()
	delete(r.liveTasks, t)
	r.tasksMu.Unlock()

	if r.metrics != nil {
		r.metrics.tasksCompleted.Add(1)
	}
}

func (r *Runner) handleNotify() {
	if !r.notifyPending.CompareAndSwap(true, false) {
		return
	}
	r.notifyMu.Lock()
	fn := r.onCompleted
	r.notifyMu.Unlock()
	if fn != nil {
		fn()
	}
}

// WatcherPending implements loop.Runner: readiness is never invoked
// directly on the loop thread, it is handed to the worker pool (or, for
// the internal completed-task notification token, handled inline since
// that notification is defined to happen on the loop thread).
func (r *Runner) WatcherPending(w any, events IOEvent) {
	switch v := w.(type) {
	case *Watcher:
		r.dispatch(v, events)
	case notifyToken:
		r.handleNotify()
	}
}

func (r *Runner) dispatch(w *Watcher, events IOEvent) {
	r.pool.Push(invocationItem{watcher: w, events: events})
}

// Shutdown disposes every live task (forcing its watchers to detach),
// quits the loop, and joins the worker pool. Compressed from the
// source's "stop accepting new watchers, wait for in-flight callbacks,
// detach remaining watchers, quit the loop, join the pool": watcher
// detach is an idempotent once-only operation (Watcher.detach's CAS), so
// disposing concurrently with an in-flight callback's own detach is
// race-free, and ThreadPool.Shutdown already provides the "wait for
// in-flight callbacks to return" join.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	r.tasksMu.Lock()
	tasks := make([]*Task, 0, len(r.liveTasks))
	for t := range r.liveTasks {
		tasks = append(tasks, t)
	}
	r.tasksMu.Unlock()
	for _, t := range tasks {
		t.disposeWatchers()
	}

	if err := r.loop.Shutdown(ctx); err != nil {
		return err
	}
	return r.pool.Shutdown(ctx)
}

// poolHandler adapts Runner's invoke logic to threadpool.Handler: each
// worker goroutine owns one threadlocal.Map for its lifetime, created at
// ThreadInit and freed at ThreadTeardown, mirroring hrt-task-thread-local's
// per-worker-thread ownership.
type poolHandler struct {
	runner *Runner
}

func (h *poolHandler) ThreadInit() any { return threadlocal.New() }

func (h *poolHandler) HandleItem(threadData, item any) {
	tl := threadData.(*threadlocal.Map)
	it := item.(invocationItem)
	h.runner.invoke(it.watcher, it.events, tl)
}

func (h *poolHandler) ThreadTeardown(threadData any) {
	threadData.(*threadlocal.Map).Free()
}

// invoke implements the per-task invoker slot (spec §4.5.1): if the
// task's slot is free, this worker takes it and runs the callback
// (draining any descriptors that queue up behind it before releasing the
// slot); otherwise this invocation is appended to the task's pending list
// and the worker returns immediately to process other items.
func (r *Runner) invoke(w *Watcher, events IOEvent, tl *threadlocal.Map) {
	t := w.task

	t.invokerMu.Lock()
	if t.invokerBusy {
		t.pending = append(t.pending, pendingInvocation{watcher: w, events: events, tl: tl})
		n := len(t.pending)
		t.invokerMu.Unlock()

		if n > pendingWarnThreshold {
			if _, ok := r.overloadLimiter.Allow("invoker-pending-high"); ok {
				hrtlog.Log(hrtlog.LevelWarn, "task", "invoker pending queue high", nil, map[string]any{
					"pending": n,
				})
			}
		}
		return
	}
	t.invokerBusy = true
	t.invokerMu.Unlock()

	r.runInvoker(t, w, events, tl)
}

func (r *Runner) runInvoker(t *Task, w *Watcher, events IOEvent, tl *threadlocal.Map) {
	for {
		r.invokeOne(t, w, events, tl)

		t.invokerMu.Lock()
		if len(t.pending) == 0 {
			t.invokerBusy = false
			t.invokerMu.Unlock()
			return
		}
		next := t.pending[0]
		t.pending = t.pending[1:]
		t.invokerMu.Unlock()

		// tl stays this worker's map: the next callback runs on this worker.
		w, events = next.watcher, next.events
	}
}

func (r *Runner) invokeOne(t *Task, w *Watcher, events IOEvent, tl *threadlocal.Map) {
	t.enterInvoke(tl)

	var start time.Time
	if r.metrics != nil {
		start = time.Now()
	}

	keep := false
	if !w.removed.Load() && !w.detachedOnce.Load() {
		switch w.kind {
		case KindImmediate, KindSubtask:
			w.callback(t, 0)
		default:
			keep = w.callback(t, events)
		}
	}

	t.leaveInvoke()

	if r.metrics != nil {
		r.metrics.recordInvoke(time.Since(start))
	}

	if !keep {
		w.detach()
		if r.metrics != nil {
			r.metrics.watchersDestroyed.Add(1)
		}
	}
}
