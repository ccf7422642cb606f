package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingRunner struct {
	mu      sync.Mutex
	pending []any
}

func (r *recordingRunner) WatcherPending(w any, events IOEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, w)
	r.mu.Unlock()
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func newTestLoop(t *testing.T, kind Kind) (*Loop, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{}
	l, err := New(runner, WithKind(kind))
	require.NoError(t, err)
	return l, runner
}

// S4-style scenario: idle watcher throughput, one start/shutdown per backend.
func TestIdleWatcherFiresRepeatedlyThenShutsDown(t *testing.T) {
	for _, kind := range []Kind{KindLibev, KindGlib} {
		t.Run(kind.String(), func(t *testing.T) {
			l, runner := newTestLoop(t, kind)
			cancel := l.CreateIdleWatcher("idle-watcher")
			defer cancel()

			go l.Run()
			l.WaitRunning(true)

			require.Eventually(t, func() bool {
				return runner.count() >= 3
			}, time.Second, time.Millisecond)

			ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			require.NoError(t, l.Shutdown(ctx))
		})
	}
}

func TestIOWatcherFiresOnReadableFD(t *testing.T) {
	l, runner := newTestLoop(t, KindGlib)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	cancel, err := l.CreateIOWatcher(fds[0], EventRead, "io-watcher")
	require.NoError(t, err)
	defer cancel()

	go l.Run()
	l.WaitRunning(true)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runner.count() >= 1
	}, time.Second, time.Millisecond)

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, l.Shutdown(ctx))
}

func TestDuplicateIOWatcherRejected(t *testing.T) {
	l, _ := newTestLoop(t, KindGlib)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	cancel, err := l.CreateIOWatcher(fds[0], EventRead, "first")
	require.NoError(t, err)
	defer cancel()

	_, err = l.CreateIOWatcher(fds[0], EventRead, "second")
	assert.Error(t, err)
}

func TestNewRejectsNilRunner(t *testing.T) {
	assert.Panics(t, func() { _, _ = New(nil) })
}

func TestRepeatedRunShutdownCycles(t *testing.T) {
	var cycles atomic.Int64
	for i := 0; i < 10; i++ {
		l, _ := newTestLoop(t, KindLibev)
		go l.Run()
		l.WaitRunning(true)
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, l.Shutdown(ctx))
		done()
		cycles.Add(1)
	}
	assert.Equal(t, int64(10), cycles.Load())
}
