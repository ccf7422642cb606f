// Package buffer implements the growable, reference-counted byte container
// used to exchange producer/consumer data across the task runtime: request
// bodies, script source, and response chunks all flow through a Buffer
// before they are locked and handed to another thread.
//
// A Buffer starts out mutable (append-only) and is explicitly locked before
// it can be read or written to a file descriptor. Locking is one-way: once
// locked a Buffer's bytes and length never change again, which is what
// makes it safe to hand across goroutines without further synchronization.
package buffer

import (
	"fmt"
	"sync/atomic"
)

// Encoding tags the interpretation of a Buffer's bytes.
type Encoding int

const (
	// EncodingInvalid is the zero value; Buffers are never created with it.
	EncodingInvalid Encoding = iota
	EncodingUTF8
	EncodingUTF16
	EncodingBinary
)

func (e Encoding) String() string {
	switch e {
	case EncodingUTF8:
		return "utf8"
	case EncodingUTF16:
		return "utf16"
	case EncodingBinary:
		return "binary"
	default:
		return "invalid"
	}
}

// ContractError reports a violation of a Buffer precondition: appending to
// a locked buffer, peeking with the wrong encoding, and so on. These are
// programmer errors, not runtime failures, so they panic rather than
// returning an error.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("buffer: %s: %s", e.Op, e.Message)
}

func contractf(op, format string, args ...any) {
	panic(&ContractError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// Allocator lets a caller plug in a custom byte-slice allocator (for
// example an arena or a pool). New is called once, when a UTF-8 or binary
// Buffer is created, for its initial backing store; growth past that store
// uses Go's append and does not call New, and UTF-16 Buffers do not use the
// allocator. Free is called at most once, when the Buffer's refcount
// reaches zero, with the byte storage the Buffer then holds; it is not
// called for static Buffers (see NewStaticUTF8) or after StealUTF8.
type Allocator struct {
	New  func(n int) []byte
	Free func([]byte)
}

var defaultAllocator = Allocator{
	New:  func(n int) []byte { return make([]byte, 0, n) },
	Free: func([]byte) {},
}

// Buffer is a growable byte container with an encoding tag and a
// locked flag. It is safe to share a Buffer across goroutines once locked;
// before that, only the owning goroutine should call its mutating methods.
type Buffer struct {
	encoding  Encoding
	allocator Allocator

	// u8 backs EncodingUTF8 and EncodingBinary buffers. u16 backs
	// EncodingUTF16 buffers. Exactly one is non-nil for a given Buffer,
	// selected at construction by encoding.
	u8  []byte
	u16 []uint16

	locked atomic.Bool
	static bool // true for NewStaticUTF8: Free is never called.
	refs   atomic.Int32
}

// New creates an empty, unlocked Buffer of the given encoding. A nil
// allocator uses Go's built-in make/GC.
func New(encoding Encoding, allocator *Allocator) *Buffer {
	if encoding == EncodingInvalid {
		contractf("New", "encoding must not be EncodingInvalid")
	}
	b := &Buffer{encoding: encoding}
	if allocator != nil {
		b.allocator = *allocator
	} else {
		b.allocator = defaultAllocator
	}
	switch encoding {
	case EncodingUTF16:
		b.u16 = make([]uint16, 0, 1)
	default:
		b.u8 = b.allocator.New(1)
	}
	b.refs.Store(1)
	return b
}

// NewStaticUTF8 returns an already-locked, UTF-8 Buffer holding a copy of
// s's bytes, made once at construction; the Buffer does not share memory
// with s. Unref never passes the bytes to an allocator's Free.
func NewStaticUTF8(s string) *Buffer {
	b := &Buffer{
		encoding: EncodingUTF8,
		static:   true,
		u8:       append([]byte(nil), s...), // copy once at construction
	}
	b.locked.Store(true)
	b.refs.Store(1)
	return b
}

// NewCopyUTF8 returns an unlocked UTF-8 Buffer containing a copy of s.
func NewCopyUTF8(s string) *Buffer {
	b := New(EncodingUTF8, nil)
	b.AppendASCII([]byte(s))
	return b
}

// Ref increments the reference count and returns the Buffer, for chaining.
func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// Unref decrements the reference count. When it reaches zero the Buffer's
// storage is released via its allocator's Free (skipped for static
// buffers), exactly once.
func (b *Buffer) Unref() {
	if b.refs.Add(-1) == 0 {
		if !b.static && b.u8 != nil {
			b.allocator.Free(b.u8)
		}
		b.u8 = nil
		b.u16 = nil
	}
}

// Encoding returns the Buffer's encoding tag.
func (b *Buffer) Encoding() Encoding { return b.encoding }

// Lock freezes the Buffer: after Lock returns, Length and the byte/unit
// contents never change again. Locking an already-locked Buffer is a no-op.
func (b *Buffer) Lock() {
	b.locked.Store(true)
}

// IsLocked reports whether Lock has been called.
func (b *Buffer) IsLocked() bool { return b.locked.Load() }

func (b *Buffer) requireUnlocked(op string) {
	if b.locked.Load() {
		contractf(op, "buffer is locked")
	}
}

func (b *Buffer) requireLocked(op string) {
	if !b.locked.Load() {
		contractf(op, "buffer is not locked")
	}
}

func (b *Buffer) requireEncoding(op string, want Encoding) {
	if b.encoding != want {
		contractf(op, "buffer encoding is %s, want %s", b.encoding, want)
	}
}

// AppendASCII widens and appends an ASCII byte slice to the Buffer's
// storage, re-encoding to the Buffer's encoding: UTF-8/binary buffers
// append the bytes as-is, UTF-16 buffers widen each byte 1:1 to a
// little-endian code unit. A zero-length append is a no-op. Panics if the
// Buffer is locked.
func (b *Buffer) AppendASCII(ascii []byte) {
	b.requireUnlocked("AppendASCII")
	if len(ascii) == 0 {
		return
	}
	switch b.encoding {
	case EncodingUTF16:
		for _, c := range ascii {
			b.u16 = append(b.u16, uint16(c))
		}
	default:
		b.u8 = append(b.u8, ascii...)
	}
}

// GetLength returns the number of encoding units currently stored: bytes
// for UTF-8/binary, 16-bit code units for UTF-16.
func (b *Buffer) GetLength() int {
	switch b.encoding {
	case EncodingUTF16:
		return len(b.u16)
	default:
		return len(b.u8)
	}
}

// PeekUTF8 borrows the Buffer's bytes. The Buffer must be locked and
// UTF-8-encoded. The returned slice has length GetLength(); a trailing NUL
// is guaranteed to exist one index past the end (not included in the
// slice), so C-string interop can borrow a pointer without copying.
func (b *Buffer) PeekUTF8() []byte {
	b.requireLocked("PeekUTF8")
	b.requireEncoding("PeekUTF8", EncodingUTF8)
	return b.withTerminatorU8()
}

// PeekUTF16 borrows the Buffer's code units. The Buffer must be locked and
// UTF-16-encoded. The returned slice has length GetLength(); a trailing
// zero code unit is guaranteed past the end.
func (b *Buffer) PeekUTF16() []uint16 {
	b.requireLocked("PeekUTF16")
	b.requireEncoding("PeekUTF16", EncodingUTF16)
	return b.withTerminatorU16()
}

// withTerminatorU8 returns b.u8[:len(b.u8)] while guaranteeing a NUL byte
// lives at index len(b.u8) in the backing array, without growing the
// reported length.
func (b *Buffer) withTerminatorU8() []byte {
	n := len(b.u8)
	grown := append(b.u8[:n:n], 0)
	b.u8 = grown[:n]
	return grown[:n]
}

func (b *Buffer) withTerminatorU16() []uint16 {
	n := len(b.u16)
	grown := append(b.u16[:n:n], 0)
	b.u16 = grown[:n]
	return grown[:n]
}

// StealUTF8 transfers the Buffer's byte allocation to the caller; the
// Buffer becomes empty (GetLength returns 0, a subsequent Peek returns a
// zero-length slice). The Buffer must be locked and UTF-8-encoded.
func (b *Buffer) StealUTF8() []byte {
	b.requireLocked("StealUTF8")
	b.requireEncoding("StealUTF8", EncodingUTF8)
	out := b.u8
	b.u8 = nil
	return out
}

// StealUTF16 transfers the Buffer's code-unit allocation to the caller; see
// StealUTF8.
func (b *Buffer) StealUTF16() []uint16 {
	b.requireLocked("StealUTF16")
	b.requireEncoding("StealUTF16", EncodingUTF16)
	out := b.u16
	b.u16 = nil
	return out
}

// GetWriteSize returns the number of bytes Write would need to flush the
// entire Buffer. For UTF-16 buffers this is 2*GetLength() (the on-wire
// little-endian byte count), not the code-unit count.
func (b *Buffer) GetWriteSize() int {
	b.requireLocked("GetWriteSize")
	switch b.encoding {
	case EncodingUTF16:
		return len(b.u16) * 2
	default:
		return len(b.u8)
	}
}

// writeBytes returns the Buffer's locked contents as a flat byte slice
// suitable for writing to a file descriptor, regardless of encoding.
func (b *Buffer) writeBytes() []byte {
	switch b.encoding {
	case EncodingUTF16:
		out := make([]byte, len(b.u16)*2)
		for i, u := range b.u16 {
			out[2*i] = byte(u)
			out[2*i+1] = byte(u >> 8)
		}
		return out
	default:
		return b.u8
	}
}

// FDWriter is the minimal file-descriptor write operation Write needs; it
// is satisfied by *os.File and any other type exposing a Write([]byte)
// (int, error) method with write(2) semantics (partial writes, EAGAIN/
// EINTR surfaced as an error the caller recognizes via IsRetryable).
type FDWriter interface {
	Write(p []byte) (int, error)
}

// IsRetryable reports whether an error returned from the FDWriter should be
// treated as "try again" (EAGAIN/EWOULDBLOCK/EINTR equivalents) rather than
// a hard failure. Defaults to always-false, correct for a blocking
// *os.File (Go's os.File.Write already retries EINTR internally and blocks
// past EAGAIN); a caller wiring a non-blocking raw fd must overwrite this
// to recognize its retryable errno values (see iostream's init, which does
// exactly that for its raw write(2)-backed FDWriter).
var IsRetryable = func(error) bool { return false }

// Write writes the tail of the Buffer's locked bytes identified by
// *remaining (bytes left to write, counted from the end) to w, updating
// *remaining by the number of bytes written. It returns true if progress
// was made or the error was retryable (EAGAIN/EINTR-equivalent per
// IsRetryable); it returns false only on a non-retryable error. The Buffer
// must be locked.
func (b *Buffer) Write(w FDWriter, remaining *int) (bool, error) {
	b.requireLocked("Write")
	all := b.writeBytes()
	total := len(all)
	if *remaining < 0 || *remaining > total {
		contractf("Write", "remaining %d out of range [0,%d]", *remaining, total)
	}
	if *remaining == 0 {
		return true, nil
	}
	start := total - *remaining
	n, err := w.Write(all[start:])
	if n > 0 {
		*remaining -= n
	}
	if err != nil {
		if IsRetryable(err) {
			return true, err
		}
		return n > 0, err
	}
	return true, nil
}
