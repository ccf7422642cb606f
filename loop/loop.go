package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/havocp/hrt-go/hrtlog"
)

// ContractError reports a violation of a Loop precondition.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("loop: %s: %s", e.Op, e.Message)
}

func contractf(op, format string, args ...any) {
	panic(&ContractError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// Runner decouples the Loop from the task/watcher bookkeeping that lives
// in package task: readiness and idle dispatch never invoke a callback
// directly on the loop thread, they hand the opaque watcher token to
// WatcherPending, which schedules the owning task's invocation onto the
// worker pool.
type Runner interface {
	WatcherPending(watcher any, events IOEvent)
}

type idleEntry struct {
	watcher any
	id      uint64
}

type ioEntry struct {
	watcher any
	fd      int
	events  IOEvent
}

// Loop is a single-threaded event loop: one goroutine calls Run and owns
// all poll-backend interaction; every other method may be called from any
// goroutine and is safe to call concurrently with Run.
type Loop struct {
	kind    Kind
	backend Backend
	runner  Runner

	runningMu  sync.Mutex
	runningCnd *sync.Cond
	isRunning  bool
	quit       bool

	idleMu  sync.Mutex
	idle    []idleEntry
	nextID  uint64

	ioMu sync.Mutex
	io   map[int]*ioEntry
}

// Option configures a Loop at construction.
type Option func(*config)

type config struct {
	kind Kind
}

// WithKind selects the poll backend. The default is KindLibev.
func WithKind(kind Kind) Option {
	return func(c *config) { c.kind = kind }
}

// New constructs a Loop bound to runner, which receives every watcher
// handed off by readiness or idle dispatch. The backend is opened
// immediately; call Run on a dedicated goroutine to start processing.
func New(runner Runner, opts ...Option) (*Loop, error) {
	if runner == nil {
		contractf("New", "runner must not be nil")
	}
	c := config{kind: KindLibev}
	for _, o := range opts {
		o(&c)
	}

	l := &Loop{
		kind:   c.kind,
		runner: runner,
		io:     make(map[int]*ioEntry),
	}
	l.runningCnd = sync.NewCond(&l.runningMu)
	l.backend = newBackend(c.kind)
	if err := l.backend.Open(); err != nil {
		return nil, fmt.Errorf("loop: open backend %s: %w", c.kind, err)
	}
	return l, nil
}

// Kind reports the backend this Loop was constructed with.
func (l *Loop) Kind() Kind { return l.kind }

// setRunning mirrors _hrt_event_loop_set_running: updates is_running under
// the mutex and wakes any waiter blocked in WaitRunning.
func (l *Loop) setRunning(running bool) {
	l.runningMu.Lock()
	l.isRunning = running
	l.runningCnd.Broadcast()
	l.runningMu.Unlock()
}

// WaitRunning blocks until the Loop's running state matches want, mirroring
// _hrt_event_loop_wait_running.
func (l *Loop) WaitRunning(want bool) {
	l.runningMu.Lock()
	for l.isRunning != want {
		l.runningCnd.Wait()
	}
	l.runningMu.Unlock()
}

// CreateIdleWatcher registers watcher to be handed to the Runner on every
// loop iteration until canceled. watcher is an opaque token (typically a
// *task.Watcher) forwarded verbatim to Runner.WatcherPending.
func (l *Loop) CreateIdleWatcher(watcher any) (cancel func()) {
	l.idleMu.Lock()
	id := l.nextID
	l.nextID++
	l.idle = append(l.idle, idleEntry{watcher: watcher, id: id})
	l.idleMu.Unlock()
	l.backend.Wake()

	return func() {
		l.idleMu.Lock()
		for i, e := range l.idle {
			if e.id == id {
				l.idle = append(l.idle[:i], l.idle[i+1:]...)
				break
			}
		}
		l.idleMu.Unlock()
	}
}

// CreateIOWatcher registers watcher to be handed to the Runner whenever fd
// becomes ready for any of events. Only one IOWatcher may be registered per
// fd at a time.
func (l *Loop) CreateIOWatcher(fd int, events IOEvent, watcher any) (cancel func(), err error) {
	l.ioMu.Lock()
	if _, exists := l.io[fd]; exists {
		l.ioMu.Unlock()
		return nil, fmt.Errorf("loop: fd %d already registered", fd)
	}
	l.io[fd] = &ioEntry{watcher: watcher, fd: fd, events: events}
	l.ioMu.Unlock()

	if err := l.backend.Add(fd, events); err != nil {
		l.ioMu.Lock()
		delete(l.io, fd)
		l.ioMu.Unlock()
		return nil, err
	}

	return func() {
		l.ioMu.Lock()
		delete(l.io, fd)
		l.ioMu.Unlock()
		_ = l.backend.Remove(fd)
	}, nil
}

// ModifyIOWatcher changes the registered event mask for fd.
func (l *Loop) ModifyIOWatcher(fd int, events IOEvent) error {
	l.ioMu.Lock()
	entry, ok := l.io[fd]
	if ok {
		entry.events = events
	}
	l.ioMu.Unlock()
	if !ok {
		return fmt.Errorf("loop: fd %d not registered", fd)
	}
	return l.backend.Modify(fd, events)
}

// idlePollTimeoutMs is the poll timeout used when idle watchers are
// registered: a loop with idle work must not block indefinitely in the
// backend, since idle watchers fire once per iteration regardless of I/O
// readiness.
const idlePollTimeoutMs = 10

// Run drives the loop until Shutdown is called. It must be
// called from exactly one goroutine at a time.
func (l *Loop) Run() {
	l.setRunning(true)
	defer l.setRunning(false)

	var events []ReadyEvent
	for {
		l.runningMu.Lock()
		quit := l.quit
		l.runningMu.Unlock()
		if quit {
			return
		}

		l.idleMu.Lock()
		hasIdle := len(l.idle) > 0
		idleSnapshot := append([]idleEntry(nil), l.idle...)
		l.idleMu.Unlock()

		timeout := -1
		if hasIdle {
			timeout = idlePollTimeoutMs
		}

		events = events[:0]
		var err error
		events, err = l.backend.Wait(events, timeout)
		if err != nil {
			hrtlog.Log(hrtlog.LevelError, "loop", "poll error", err, map[string]any{"kind": l.kind.String()})
			continue
		}

		for _, ev := range events {
			l.ioMu.Lock()
			entry, ok := l.io[ev.FD]
			l.ioMu.Unlock()
			if ok {
				l.runner.WatcherPending(entry.watcher, ev.Events)
			}
		}

		for _, e := range idleSnapshot {
			l.runner.WatcherPending(e.watcher, 0)
		}
	}
}

// Shutdown asks the loop to quit, wakes it from a blocked Wait, and blocks
// until Run has returned or ctx is done.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.runningMu.Lock()
	l.quit = true
	l.runningMu.Unlock()
	l.backend.Wake()

	done := make(chan struct{})
	go func() {
		l.WaitRunning(false)
		close(done)
	}()

	select {
	case <-done:
		return l.backend.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
