// Package iostream implements OutputStream and OutputChain: a FIFO of
// locked Buffers drained to a file descriptor by a write watcher bound to
// a task, and an ordered chain of streams sharing one FD so independent
// producer tasks can write to it in a defined order.
//
// Grounded on original_source/src/lib/hio/hio-output-stream.h and
// hio-output-chain.h.
package iostream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/havocp/hrt-go/buffer"
	"github.com/havocp/hrt-go/task"
	"golang.org/x/sys/unix"
)

// init wires buffer.IsRetryable to recognize the errors a non-blocking raw
// fd actually returns (EAGAIN/EWOULDBLOCK when the socket buffer is full,
// EINTR on a signal interrupting the syscall): buffer.go's default treats
// no error as retryable, which is correct for the blocking *os.File case
// but wrong for fdWriter's raw write(2), the case buffer.go's own doc
// comment calls out as needing this wired.
func init() {
	buffer.IsRetryable = func(err error) bool {
		return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
	}
}

// ContractError reports a violation of a Stream/Chain precondition, e.g.
// writing to a closed stream or setting a FD twice.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("iostream: %s: %s", e.Op, e.Message)
}

func contractf(op, format string, args ...any) {
	panic(&ContractError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// fdWriter adapts a raw file descriptor to buffer.FDWriter via write(2).
type fdWriter int

func (f fdWriter) Write(p []byte) (int, error) {
	return unix.Write(int(f), p)
}

// noFD marks a Stream whose destination FD hasn't been bound yet (see
// SetFD / hio_output_stream_set_fd).
const noFD = -1

// Stream is an ordered FIFO of locked Buffers drained to a file
// descriptor by a write watcher on its owning task. Write appends;
// Close marks no more writes accepted; Error marks a failed write. When
// the FIFO empties while closed (or on error), the stream is done: its
// done-notify callback fires exactly once.
type Stream struct {
	t  *task.Task
	fd atomic.Int32

	mu        sync.Mutex
	queue     []*buffer.Buffer
	remaining int
	closed    bool
	errored   bool
	done      bool
	armed     bool

	doneNotify func(*Stream)
}

// New creates a Stream bound to t, with no FD set yet.
func New(t *task.Task) *Stream {
	s := &Stream{t: t}
	s.fd.Store(noFD)
	return s
}

// SetFD binds the stream's destination file descriptor. Panics if called
// more than once.
func (s *Stream) SetFD(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd.Load() != noFD {
		contractf("SetFD", "fd already set")
	}
	s.fd.Store(int32(fd))
	s.armIfNeededLocked()
}

// SetDoneNotify registers fn to be called exactly once when the stream
// becomes done.
func (s *Stream) SetDoneNotify(fn func(*Stream)) {
	s.mu.Lock()
	s.doneNotify = fn
	s.mu.Unlock()
}

// Write appends locked to the stream's FIFO. locked must already be
// locked (buffer.Buffer.Lock); Write takes its own reference. Panics if
// the stream is closed or errored.
func (s *Stream) Write(locked *buffer.Buffer) {
	if !locked.IsLocked() {
		contractf("Write", "buffer must be locked")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.errored {
		contractf("Write", "stream is closed or errored")
	}
	locked.Ref()
	s.queue = append(s.queue, locked)
	s.armIfNeededLocked()
}

// Close marks the stream as accepting no more writes. Calling Close on an
// already-closed stream is a silent no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	becameDone := s.maybeMarkDoneLocked()
	s.mu.Unlock()
	if becameDone {
		s.fireDoneNotify()
	}
}

// Error marks the stream as failed: no further writes succeed and no
// further bytes are drained.
func (s *Stream) Error() {
	s.mu.Lock()
	if s.errored {
		s.mu.Unlock()
		return
	}
	s.errored = true
	becameDone := s.maybeMarkDoneLocked()
	s.mu.Unlock()
	if becameDone {
		s.fireDoneNotify()
	}
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GotError reports whether Error has been called, or a non-retryable
// write failure occurred.
func (s *Stream) GotError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// IsDone reports whether the stream has finished: closed (or errored)
// with an empty FIFO.
func (s *Stream) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Stream) maybeMarkDoneLocked() bool {
	if s.done {
		return false
	}
	if s.errored || (s.closed && len(s.queue) == 0) {
		s.done = true
		return true
	}
	return false
}

func (s *Stream) fireDoneNotify() {
	s.mu.Lock()
	fn := s.doneNotify
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (s *Stream) armIfNeededLocked() {
	if s.armed || s.done {
		return
	}
	if s.fd.Load() == noFD || len(s.queue) == 0 {
		return
	}
	if _, err := s.t.AddIO(int(s.fd.Load()), task.EventWrite, s.onWritable, nil, nil); err != nil {
		s.errored = true
		s.maybeMarkDoneLocked()
		return
	}
	s.armed = true
}

// onWritable is the stream's write-watcher callback: it drains queued
// buffers head-first via Buffer.Write, re-arming (returning true) on
// partial progress and detaching (returning false) once the FIFO empties
// or a non-retryable error occurs.
func (s *Stream) onWritable(t *task.Task, events task.IOEvent) bool {
	s.mu.Lock()
	keep, becameDone := s.drainLocked()
	if !keep {
		s.armed = false
	}
	s.mu.Unlock()
	if becameDone {
		s.fireDoneNotify()
	}
	return keep
}

func (s *Stream) drainLocked() (keep bool, becameDone bool) {
	if s.errored {
		return false, false
	}
	w := fdWriter(s.fd.Load())
	for len(s.queue) > 0 {
		head := s.queue[0]
		if s.remaining == 0 {
			s.remaining = head.GetWriteSize()
		}
		progressed, err := head.Write(w, &s.remaining)
		if !progressed {
			s.errored = true
			return false, s.maybeMarkDoneLocked()
		}
		if err != nil {
			// head.Write can return progressed=true alongside a non-nil,
			// non-retryable err on a short write immediately followed by a
			// hard failure (e.g. a partial write then EPIPE): don't infer
			// retryability from progressed alone, check it explicitly.
			if !buffer.IsRetryable(err) {
				s.errored = true
				return false, s.maybeMarkDoneLocked()
			}
			// retryable (EAGAIN/EINTR-equivalent): wait for the FD to
			// become writable again.
			return true, false
		}
		if s.remaining > 0 {
			return true, false
		}
		head.Unref()
		s.queue = s.queue[1:]
		s.remaining = 0
	}
	if s.closed {
		return false, s.maybeMarkDoneLocked()
	}
	return false, false
}
