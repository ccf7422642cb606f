// Package task implements the core of the runtime: Task, Watcher, and the
// invoker-slot serialization that guarantees at most one callback per task
// runs at a time. A Task is an execution context resumed by its Watchers;
// when its watcher count and completion-blocked count both reach zero, it
// transitions to completed exactly once and is handed to the owning
// Runner's completed queue.
//
// Grounded on original_source/src/lib/hrt/hrt-task.h, hrt-task-private.h,
// and hrt-task-runner.h: HrtTask's refcounted watcher list, the invoker
// slot (_hrt_task_lock_invoker/_hrt_task_unlock_invoker), the dual
// watcher-counter/completion-blocked-counter completion check, and
// HrtWatcher's start/stop/finalize vtable all map onto the types below.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/havocp/hrt-go/loop"
	"github.com/havocp/hrt-go/threadlocal"
)

// ContractError reports a violation of a Task/Watcher precondition:
// registering a watcher on an already-completed task, setting a task's
// result twice, and so on. These are programmer errors, not runtime
// failures, matching the source's g_assert/g_return_if_fail texture.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("task: %s: %s", e.Op, e.Message)
}

func contractf(op, format string, args ...any) {
	panic(&ContractError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// IOEvent is the event loop's readiness bitmask, re-exported so callers of
// Task.AddIO don't need to import package loop directly.
type IOEvent = loop.IOEvent

const (
	EventRead  = loop.EventRead
	EventWrite = loop.EventWrite
)

// WatcherKind identifies what readiness condition a Watcher is armed
// against. See spec §4.5.3.
type WatcherKind int

const (
	// KindImmediate fires exactly once, as soon as it is created.
	KindImmediate WatcherKind = iota
	// KindIdle is handed to the runner on every loop iteration, whether or
	// not any I/O became ready in that iteration; it is not limited to
	// iterations in which the loop is otherwise idle.
	KindIdle
	// KindIO fires when its FD is ready in a requested direction.
	KindIO
	// KindSubtask fires once its target task completes.
	KindSubtask
)

func (k WatcherKind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindIdle:
		return "idle"
	case KindIO:
		return "io"
	case KindSubtask:
		return "subtask"
	default:
		return "unknown"
	}
}

// Callback is a watcher's user function. Its return value means "keep"
// (true) or "detach" (false); Immediate and Subtask watchers ignore the
// return value, since they always fire exactly once.
type Callback func(t *Task, events IOEvent) (keep bool)

// Destructor is invoked exactly once, when a watcher detaches, to release
// its user data.
type Destructor func(data any)

// Watcher is a registered readiness source attached to a Task. A Watcher
// is born with refcount 1, held by its owner; detaching drops that
// refcount, runs the user Destructor exactly once, and decrements the
// owning task's watcher counter.
type Watcher struct {
	kind     WatcherKind
	task     *Task
	callback Callback
	data     any
	dnotify  Destructor

	fd     int
	events IOEvent
	child  *Task

	cancelLoop func()

	removed      atomic.Bool
	detachedOnce atomic.Bool
	refcount     atomic.Int32
}

// Kind reports the watcher's kind.
func (w *Watcher) Kind() WatcherKind { return w.kind }

// Task reports the watcher's owning task.
func (w *Watcher) Task() *Task { return w.task }

// Remove sets the watcher's removed flag and forces it to detach. Safe to
// call from any goroutine, including concurrently with an in-flight
// invocation of the same watcher; the user destructor still runs exactly
// once.
func (w *Watcher) Remove() {
	w.removed.Store(true)
	w.detach()
}

func (w *Watcher) detach() {
	if !w.detachedOnce.CompareAndSwap(false, true) {
		return
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	w.task.forgetWatcher(w)
	if w.dnotify != nil {
		w.dnotify(w.data)
	}
	w.task.watcherCount.Add(-1)
	w.task.checkCompletion()
	w.refcount.Add(-1)
}

// pendingInvocation is a queued invocation descriptor: a watcher ready to
// run plus the events it was ready with, waiting on a task whose invoker
// slot is currently occupied.
type pendingInvocation struct {
	watcher *Watcher
	events  IOEvent
	tl      *threadlocal.Map
}

// Task is an execution context owning a set of Watchers. It completes,
// exactly once, when its watcher counter and completion-blocked counter
// both reach zero.
type Task struct {
	runner *Runner
	parent *Task

	argsMu    sync.Mutex
	args      map[string]any
	result    any
	hasResult bool

	watcherCount   atomic.Int32
	blockedCount   atomic.Int32
	completed      atomic.Bool

	watchersMu sync.Mutex
	watchers   map[*Watcher]struct{}

	invokerMu   sync.Mutex
	invokerBusy bool
	pending     []pendingInvocation
	currentTL   *threadlocal.Map

	subtaskMu       sync.Mutex
	subtaskWatchers []*Watcher
}

// Parent returns the task this task was created as a subtask of, or nil
// for a root task.
func (t *Task) Parent() *Task { return t.parent }

// IsCompleted reports whether the task has transitioned to completed.
func (t *Task) IsCompleted() bool { return t.completed.Load() }

// IsRunningInCurrentGoroutine reports whether a callback for this task is
// currently executing. Go has no stable goroutine identity to check
// against the invoking worker directly (unlike the source's
// _hrt_task_check_in_task_thread, which compares the current GThread),
// so this approximates "on the task's thread" as "the invoker slot is
// occupied"; it is only meaningful when called from within a callback
// for this task.
func (t *Task) IsRunningInCurrentGoroutine() bool {
	t.invokerMu.Lock()
	defer t.invokerMu.Unlock()
	return t.currentTL != nil
}

func (t *Task) enterInvoke(tl *threadlocal.Map) {
	t.invokerMu.Lock()
	t.currentTL = tl
	t.invokerMu.Unlock()
}

func (t *Task) leaveInvoke() {
	t.invokerMu.Lock()
	t.currentTL = nil
	t.invokerMu.Unlock()
}

// GetThreadLocal returns the value the current worker has stored for key
// in its thread-local map. Panics if called outside an active invocation
// of this task.
func (t *Task) GetThreadLocal(key any) any {
	t.invokerMu.Lock()
	tl := t.currentTL
	t.invokerMu.Unlock()
	if tl == nil {
		contractf("GetThreadLocal", "task is not currently invoking")
	}
	return tl.Get(key)
}

// SetThreadLocal stores (value, dnotify) in the current worker's
// thread-local map under key. Panics if called outside an active
// invocation of this task.
func (t *Task) SetThreadLocal(key, value any, dnotify threadlocal.Destructor) {
	t.invokerMu.Lock()
	tl := t.currentTL
	t.invokerMu.Unlock()
	if tl == nil {
		contractf("SetThreadLocal", "task is not currently invoking")
	}
	tl.Set(key, value, dnotify)
}

// AddArg stores value under name. Conventionally called before any
// watcher fires.
func (t *Task) AddArg(name string, value any) {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	if t.args == nil {
		t.args = make(map[string]any)
	}
	t.args[name] = value
}

// GetArg returns the value stored under name, and whether it was set.
func (t *Task) GetArg(name string) (any, bool) {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	v, ok := t.args[name]
	return v, ok
}

// GetArgs returns a copy of every stored argument.
func (t *Task) GetArgs() map[string]any {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	out := make(map[string]any, len(t.args))
	for k, v := range t.args {
		out[k] = v
	}
	return out
}

// SetArgs replaces the task's entire argument map in bulk, the
// hrt_task_get_args counterpart for callers that build all arguments at
// once (e.g. an HTTP handler populating request params) rather than one
// AddArg call at a time. Takes a copy of args.
func (t *Task) SetArgs(args map[string]any) {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	m := make(map[string]any, len(args))
	for k, v := range args {
		m[k] = v
	}
	t.args = m
}

// SetResult stores the task's result. Panics if called more than once
// (single-writer invariant).
func (t *Task) SetResult(value any) {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	if t.hasResult {
		contractf("SetResult", "result already set")
	}
	t.result = value
	t.hasResult = true
}

// GetResult returns the task's result, and whether one has been set.
func (t *Task) GetResult() (any, bool) {
	t.argsMu.Lock()
	defer t.argsMu.Unlock()
	return t.result, t.hasResult
}

// BlockCompletion increments the completion-blocked counter, preventing
// the task from completing even if its watcher count reaches zero.
func (t *Task) BlockCompletion() {
	t.blockedCount.Add(1)
}

// UnblockCompletion decrements the completion-blocked counter and
// re-checks for completion.
func (t *Task) UnblockCompletion() {
	t.blockedCount.Add(-1)
	t.checkCompletion()
}

// newWatcher increments the watcher counter first, so a concurrent
// completion check cannot observe zero while this watcher is being born,
// then verifies the task hasn't already completed.
func (t *Task) newWatcher(kind WatcherKind, cb Callback, data any, dnotify Destructor) *Watcher {
	t.watcherCount.Add(1)
	if t.completed.Load() {
		t.watcherCount.Add(-1)
		contractf("AddWatcher", "task already completed")
	}
	w := &Watcher{kind: kind, task: t, callback: cb, data: data, dnotify: dnotify}
	w.refcount.Store(1)

	t.watchersMu.Lock()
	if t.watchers == nil {
		t.watchers = make(map[*Watcher]struct{})
	}
	t.watchers[w] = struct{}{}
	t.watchersMu.Unlock()

	return w
}

func (t *Task) forgetWatcher(w *Watcher) {
	t.watchersMu.Lock()
	delete(t.watchers, w)
	t.watchersMu.Unlock()
}

// AddImmediate creates a watcher that fires exactly once, as soon as
// possible, under this task's serialization.
func (t *Task) AddImmediate(cb Callback, data any, dnotify Destructor) *Watcher {
	w := t.newWatcher(KindImmediate, cb, data, dnotify)
	t.runner.dispatch(w, 0)
	return w
}

// AddIdle creates a watcher that fires on every loop iteration, whether or
// not I/O was ready in it, until its callback returns false.
func (t *Task) AddIdle(cb Callback, data any, dnotify Destructor) *Watcher {
	w := t.newWatcher(KindIdle, cb, data, dnotify)
	w.cancelLoop = t.runner.loop.CreateIdleWatcher(w)
	return w
}

// AddIO creates a watcher armed against fd for the given event mask. Only
// one IO watcher may be registered per FD at a time on a given Runner.
func (t *Task) AddIO(fd int, events IOEvent, cb Callback, data any, dnotify Destructor) (*Watcher, error) {
	w := t.newWatcher(KindIO, cb, data, dnotify)
	w.fd = fd
	w.events = events
	cancel, err := t.runner.loop.CreateIOWatcher(fd, events, w)
	if err != nil {
		t.watchersMu.Lock()
		delete(t.watchers, w)
		t.watchersMu.Unlock()
		t.watcherCount.Add(-1)
		return nil, err
	}
	w.cancelLoop = cancel
	return w, nil
}

// AddSubtask creates a watcher on t that fires once child completes. If
// child has already completed, the watcher fires immediately (spec.md §9
// decision #2) rather than being rejected.
func (t *Task) AddSubtask(child *Task, cb Callback, data any, dnotify Destructor) *Watcher {
	w := t.newWatcher(KindSubtask, cb, data, dnotify)
	w.child = child

	child.subtaskMu.Lock()
	if child.completed.Load() {
		child.subtaskMu.Unlock()
		t.runner.dispatch(w, 0)
		return w
	}
	child.subtaskWatchers = append(child.subtaskWatchers, w)
	child.subtaskMu.Unlock()
	return w
}

// checkCompletion implements the dual-counter completion check: if both
// counters are zero and the task hasn't already completed, CAS the
// completed flag, fan out to registered subtask watchers, and hand the
// task to the runner's completed queue.
func (t *Task) checkCompletion() {
	if t.watcherCount.Load() != 0 || t.blockedCount.Load() != 0 {
		return
	}
	if !t.completed.CompareAndSwap(false, true) {
		return
	}
	t.fanOutSubtaskWatchers()
	t.runner.markTaskCompleted(t)
}

func (t *Task) fanOutSubtaskWatchers() {
	t.subtaskMu.Lock()
	watchers := t.subtaskWatchers
	t.subtaskWatchers = nil
	t.subtaskMu.Unlock()

	for _, w := range watchers {
		t.runner.dispatch(w, 0)
	}
}

// disposeWatchers forces every still-registered watcher to detach,
// mirroring the runner shutdown sequence's "detach remaining watchers".
func (t *Task) disposeWatchers() {
	t.watchersMu.Lock()
	ws := make([]*Watcher, 0, len(t.watchers))
	for w := range t.watchers {
		ws = append(ws, w)
	}
	t.watchersMu.Unlock()

	for _, w := range ws {
		w.Remove()
	}
}
