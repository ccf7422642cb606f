//go:build linux

package loop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// nativeBackend backs KindLibev on Linux using epoll, adapted from
// eventloop/poller_linux.go's FastPoller: registrations are kept in a
// map guarded by a mutex (traded for the teacher's fixed-size array,
// since this runtime has no equivalent upper bound on live fds to
// preallocate against), epoll_ctl mirrors registration changes, and a
// self-pipe registered with EPOLLIN lets any goroutine interrupt a
// blocked epoll_wait.
type nativeBackend struct {
	epfd int
	pipe [2]int

	mu  sync.Mutex
	fds map[int]IOEvent
}

func newNativeBackend() *nativeBackend {
	return &nativeBackend{fds: make(map[int]IOEvent)}
}

func (b *nativeBackend) Open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	b.epfd = epfd

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return err
	}
	b.pipe = fds

	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, b.pipe[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.pipe[0]),
	})
}

func (b *nativeBackend) Close() error {
	_ = unix.Close(b.pipe[0])
	_ = unix.Close(b.pipe[1])
	return unix.Close(b.epfd)
}

func eventToEpoll(e IOEvent) uint32 {
	var m uint32
	if e&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func epollToEvent(m uint32) IOEvent {
	var e IOEvent
	if m&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if m&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if m&unix.EPOLLHUP != 0 {
		e |= EventHangup
	}
	return e
}

func (b *nativeBackend) Add(fd int, events IOEvent) error {
	b.mu.Lock()
	b.fds[fd] = events
	b.mu.Unlock()
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventToEpoll(events),
		Fd:     int32(fd),
	})
	b.Wake()
	return err
}

func (b *nativeBackend) Modify(fd int, events IOEvent) error {
	b.mu.Lock()
	b.fds[fd] = events
	b.mu.Unlock()
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventToEpoll(events),
		Fd:     int32(fd),
	})
}

func (b *nativeBackend) Remove(fd int) error {
	b.mu.Lock()
	delete(b.fds, fd)
	b.mu.Unlock()
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *nativeBackend) Wake() {
	var buf [1]byte
	_, _ = unix.Write(b.pipe[1], buf[:])
}

func (b *nativeBackend) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(b.pipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *nativeBackend) Wait(dst []ReadyEvent, timeoutMs int) ([]ReadyEvent, error) {
	var events [256]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == b.pipe[0] {
			b.drainWake()
			continue
		}
		dst = append(dst, ReadyEvent{FD: fd, Events: epollToEvent(events[i].Events)})
	}
	return dst, nil
}
