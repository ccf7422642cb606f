// Package loop implements the single-threaded event loop: the thread that
// owns I/O readiness polling and idle-watcher dispatch. It never invokes a
// task callback directly — readiness is handed off to a Runner, which
// schedules the owning task's watcher onto the worker pool (see package
// task). This decoupling is what lets two interchangeable poll backends
// share one Loop implementation.
package loop

import "fmt"

// IOEvent is a bitmask of I/O readiness conditions, mirroring the
// eventloop package's IOEvents.
type IOEvent uint32

const (
	EventRead IOEvent = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Kind selects the poll backend a Loop uses. The two are functionally
// interchangeable: both satisfy Backend and drive the same Loop dispatch
// logic, mirroring the original HrtEventLoopType split between a GLib
// main-context backend and a libev backend.
type Kind int

const (
	// KindLibev selects the native backend: epoll on Linux, a portable
	// poll(2)-based fallback elsewhere. This is the default, matching
	// the original implementation's preference for libev over glib.
	KindLibev Kind = iota
	// KindGlib selects the portable poll(2)-based backend on every
	// platform, trading epoll's O(1) readiness for broader portability.
	KindGlib
)

func (k Kind) String() string {
	switch k {
	case KindLibev:
		return "libev"
	case KindGlib:
		return "glib"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ReadyEvent reports readiness for a single registered fd.
type ReadyEvent struct {
	FD     int
	Events IOEvent
}

// Backend is the poll-loop abstraction each Kind implements: register/
// modify/remove fds, and block until one or more is ready or the deadline
// elapses. A Backend is only ever driven by the Loop goroutine that owns
// it; registration methods may be called from any goroutine, and must
// interrupt a concurrent Wait (e.g. via a self-pipe).
type Backend interface {
	Open() error
	Close() error
	Add(fd int, events IOEvent) error
	Modify(fd int, events IOEvent) error
	Remove(fd int) error
	// Wake interrupts a concurrent Wait, used when an idle watcher is
	// registered or the loop is asked to quit.
	Wake()
	// Wait blocks until readiness, a registration change, or timeoutMs
	// elapses (a negative timeout blocks indefinitely), appending ready
	// events to dst and returning the extended slice.
	Wait(dst []ReadyEvent, timeoutMs int) ([]ReadyEvent, error)
}

// newBackend constructs the Backend for the given Kind.
func newBackend(kind Kind) Backend {
	switch kind {
	case KindLibev:
		return newNativeBackend()
	case KindGlib:
		return newPollBackend()
	default:
		panic(fmt.Sprintf("loop: unknown Kind %d", int(kind)))
	}
}
