package iostream

import "sync"

// Chain owns an ordered list of Streams sharing one file descriptor:
// only the head stream's write watcher is armed; when the head becomes
// done it is removed, its done-notify fires, and the new head is armed
// on the same FD. This lets independent producer tasks queue, say,
// response headers and response body as separate Streams while
// preserving wire order.
type Chain struct {
	fdSet bool
	fd    int

	mu      sync.Mutex
	streams []*Stream
	armed   *Stream

	emptyNotify  func(*Chain)
	firedOnEmpty bool
}

// New creates an empty Chain with no FD bound yet.
func New() *Chain {
	return &Chain{}
}

// SetFD binds the chain's destination file descriptor, arming the
// current head stream (if any). Panics if called more than once.
func (c *Chain) SetFD(fd int) {
	c.mu.Lock()
	if c.fdSet {
		c.mu.Unlock()
		contractf("SetFD", "fd already set")
	}
	c.fd = fd
	c.fdSet = true
	c.mu.Unlock()
	c.armHead()
}

// SetEmptyNotify registers fn to fire the first time the chain
// transitions to empty (spec.md §4.6): once fired, it never fires again
// for this Chain, even if streams are added and drained again.
func (c *Chain) SetEmptyNotify(fn func(*Chain)) {
	c.mu.Lock()
	c.emptyNotify = fn
	c.mu.Unlock()
}

// AddStream appends stream to the chain. If the chain was empty, stream
// becomes the new head and is armed once the chain's FD is set.
func (c *Chain) AddStream(stream *Stream) {
	stream.SetDoneNotify(c.onStreamDone)

	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()

	c.armHead()
}

// IsEmpty reports whether the chain currently holds no streams.
func (c *Chain) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams) == 0
}

// GotError reports whether any stream currently in the chain has an
// error (the logical OR of each live stream's GotError).
func (c *Chain) GotError() bool {
	c.mu.Lock()
	streams := append([]*Stream(nil), c.streams...)
	c.mu.Unlock()

	for _, s := range streams {
		if s.GotError() {
			return true
		}
	}
	return false
}

func (c *Chain) armHead() {
	c.mu.Lock()
	if !c.fdSet || len(c.streams) == 0 {
		c.mu.Unlock()
		return
	}
	head := c.streams[0]
	if c.armed == head {
		c.mu.Unlock()
		return
	}
	c.armed = head
	fd := c.fd
	c.mu.Unlock()

	head.SetFD(fd)
}

func (c *Chain) onStreamDone(s *Stream) {
	c.mu.Lock()
	if len(c.streams) == 0 || c.streams[0] != s {
		c.mu.Unlock()
		return
	}
	c.streams = c.streams[1:]
	if c.armed == s {
		c.armed = nil
	}
	empty := len(c.streams) == 0
	fireEmpty := false
	if empty && !c.firedOnEmpty {
		c.firedOnEmpty = true
		fireEmpty = true
	}
	c.mu.Unlock()

	if !empty {
		c.armHead()
	}
	if fireEmpty {
		c.fireEmptyNotify()
	}
}

func (c *Chain) fireEmptyNotify() {
	c.mu.Lock()
	fn := c.emptyNotify
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}
