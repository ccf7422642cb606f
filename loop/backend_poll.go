package loop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollBackend implements Backend with poll(2), portable across every
// platform golang.org/x/sys/unix supports. It backs KindGlib everywhere,
// and KindLibev on platforms with no native backend (see
// backend_epoll_other.go).
//
// Grounded on eventloop/poller_linux.go's FastPoller: a mutex-guarded
// registration table rebuilt into a syscall-ready slice on each Wait,
// plus a self-pipe so registration changes interrupt a blocked Wait.
type pollBackend struct {
	mu   sync.Mutex
	fds  map[int]IOEvent
	pipe [2]int
}

func newPollBackend() *pollBackend {
	return &pollBackend{fds: make(map[int]IOEvent)}
}

func (p *pollBackend) Open() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	p.pipe = fds
	return nil
}

func (p *pollBackend) Close() error {
	_ = unix.Close(p.pipe[0])
	_ = unix.Close(p.pipe[1])
	return nil
}

func (p *pollBackend) Add(fd int, events IOEvent) error {
	p.mu.Lock()
	p.fds[fd] = events
	p.mu.Unlock()
	p.Wake()
	return nil
}

func (p *pollBackend) Modify(fd int, events IOEvent) error {
	p.mu.Lock()
	p.fds[fd] = events
	p.mu.Unlock()
	p.Wake()
	return nil
}

func (p *pollBackend) Remove(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	p.Wake()
	return nil
}

// Wake writes a single byte to the self-pipe, interrupting a concurrent
// Wait blocked in poll(2). Errors (e.g. a full pipe buffer) are
// deliberately ignored: a full buffer means a wake is already pending.
func (p *pollBackend) Wake() {
	var b [1]byte
	_, _ = unix.Write(p.pipe[1], b[:])
}

func (p *pollBackend) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(p.pipe[0], b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func eventToPoll(e IOEvent) int16 {
	var m int16
	if e&EventRead != 0 {
		m |= unix.POLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.POLLOUT
	}
	return m
}

func pollToEvent(m int16) IOEvent {
	var e IOEvent
	if m&unix.POLLIN != 0 {
		e |= EventRead
	}
	if m&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	if m&unix.POLLERR != 0 {
		e |= EventError
	}
	if m&unix.POLLHUP != 0 {
		e |= EventHangup
	}
	return e
}

func (p *pollBackend) Wait(dst []ReadyEvent, timeoutMs int) ([]ReadyEvent, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.fds)+1)
	fds = append(fds, unix.PollFd{Fd: int32(p.pipe[0]), Events: unix.POLLIN})
	order := make([]int, 0, len(p.fds))
	for fd, events := range p.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: eventToPoll(events)})
		order = append(order, fd)
	}
	p.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	if n == 0 {
		return dst, nil
	}

	if fds[0].Revents != 0 {
		p.drainWake()
	}
	for i, fd := range order {
		pf := fds[i+1]
		if pf.Revents != 0 {
			dst = append(dst, ReadyEvent{FD: fd, Events: pollToEvent(pf.Revents)})
		}
	}
	return dst, nil
}
