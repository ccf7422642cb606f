package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopCompletedDrainsUntilEmpty(t *testing.T) {
	r := newTestRunner(t)

	const n = 5
	for i := 0; i < n; i++ {
		tsk := r.CreateTask(nil)
		tsk.BlockCompletion()
		tsk.UnblockCompletion()
	}

	require.Eventually(t, func() bool {
		count := 0
		for {
			_, ok := r.PopCompleted()
			if !ok {
				break
			}
			count++
		}
		return count == n
	}, time.Second, time.Millisecond)

	_, ok := r.PopCompleted()
	assert.False(t, ok)
}

func TestNewRejectsNonPositiveWorkerCount(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = New(WithWorkerCount(0))
	})
}

func TestCreateTaskAfterShutdownPanics(t *testing.T) {
	r, err := New(WithEventLoopKind(testKind))
	require.NoError(t, err)
	go r.Run()
	r.WaitRunning(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Panics(t, func() {
		r.CreateTask(nil)
	})
}

func TestRepeatedRunnerLifecycle(t *testing.T) {
	for i := 0; i < 20; i++ {
		r, err := New(WithEventLoopKind(testKind))
		require.NoError(t, err)
		go r.Run()
		r.WaitRunning(true)

		tsk := r.CreateTask(nil)
		done := make(chan struct{})
		tsk.AddImmediate(func(*Task, IOEvent) bool {
			close(done)
			return false
		}, nil, nil)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("immediate watcher never fired")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, r.Shutdown(ctx))
		cancel()
	}
}
