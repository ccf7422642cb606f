package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, opts ...RunnerOption) *Runner {
	t.Helper()
	r, err := New(append([]RunnerOption{WithEventLoopKind(testKind)}, opts...)...)
	require.NoError(t, err)
	go r.Run()
	r.WaitRunning(true)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestArgsRoundtrip(t *testing.T) {
	r := newTestRunner(t)
	task := r.CreateTask(nil)
	task.AddArg("name", "alice")
	task.AddArg("count", 3)

	v, ok := task.GetArg("name")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	_, ok = task.GetArg("missing")
	assert.False(t, ok)

	all := task.GetArgs()
	assert.Equal(t, map[string]any{"name": "alice", "count": 3}, all)
}

func TestSetArgsBulkReplacesArgs(t *testing.T) {
	r := newTestRunner(t)
	tsk := r.CreateTask(nil)
	tsk.AddArg("stale", "gone")

	tsk.SetArgs(map[string]any{"name": "bob", "count": 7})

	all := tsk.GetArgs()
	assert.Equal(t, map[string]any{"name": "bob", "count": 7}, all)

	_, ok := tsk.GetArg("stale")
	assert.False(t, ok)

	// SetArgs takes a copy: mutating the caller's map afterward must not
	// affect the task.
	m := map[string]any{"x": 1}
	tsk.SetArgs(m)
	m["x"] = 2
	v, _ := tsk.GetArg("x")
	assert.Equal(t, 1, v)
}

func TestSetResultTwicePanics(t *testing.T) {
	r := newTestRunner(t)
	task := r.CreateTask(nil)
	task.SetResult(1)
	assert.PanicsWithValue(t, &ContractError{Op: "SetResult", Message: "result already set"}, func() {
		task.SetResult(2)
	})
}

// Invariant 1 & S4: every watcher destructor runs and every task
// completes, in one run of 10 tasks with 10 idle watchers each.
func TestIdleWatchersCompleteTaskAndDestroyExactlyOnce(t *testing.T) {
	r := newTestRunner(t)

	const numTasks = 10
	const numWatchers = 10

	var destroyed atomic.Int64
	var completedCh = make(chan *Task, numTasks)
	r.OnTasksCompleted(func() {
		for {
			tsk, ok := r.PopCompleted()
			if !ok {
				return
			}
			completedCh <- tsk
		}
	})

	for i := 0; i < numTasks; i++ {
		tsk := r.CreateTask(nil)
		for j := 0; j < numWatchers; j++ {
			tsk.AddIdle(func(t *Task, events IOEvent) bool {
				return false
			}, nil, func(any) { destroyed.Add(1) })
		}
	}

	completed := 0
	timeout := time.After(5 * time.Second)
	for completed < numTasks {
		select {
		case <-completedCh:
			completed++
		case <-timeout:
			t.Fatalf("timed out waiting for tasks to complete, got %d/%d", completed, numTasks)
		}
	}

	require.Eventually(t, func() bool {
		return destroyed.Load() == numTasks*numWatchers
	}, time.Second, time.Millisecond)
}

// Invariant 3: at most one callback per task runs at a time.
func TestInvokerSerializesCallbacksPerTask(t *testing.T) {
	r := newTestRunner(t)
	tsk := r.CreateTask(nil)

	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	var fired atomic.Int32
	done := make(chan struct{})

	const n = 50
	for i := 0; i < n; i++ {
		tsk.AddImmediate(func(t *Task, events IOEvent) bool {
			cur := concurrent.Add(1)
			for {
				max := maxSeen.Load()
				if cur <= max || maxSeen.CompareAndSwap(max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			concurrent.Add(-1)
			if fired.Add(1) == n {
				close(done)
			}
			return false
		}, nil, nil)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for immediate watchers to fire")
	}
	assert.Equal(t, int32(1), maxSeen.Load())
}

// Subtask watcher on an already-completed child fires immediately
// (Open Question decision #2).
func TestSubtaskWatcherOnCompletedChildFiresImmediately(t *testing.T) {
	r := newTestRunner(t)

	child := r.CreateTask(nil)
	child.BlockCompletion()
	child.UnblockCompletion() // watcherCount 0, blockedCount 0 -> completes
	require.True(t, child.IsCompleted())

	parent := r.CreateTask(nil)
	fired := make(chan struct{})
	parent.AddSubtask(child, func(t *Task, events IOEvent) bool {
		close(fired)
		return false
	}, nil, nil)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("subtask watcher on completed child never fired")
	}
}

func TestAddWatcherOnCompletedTaskPanics(t *testing.T) {
	r := newTestRunner(t)
	tsk := r.CreateTask(nil)
	tsk.BlockCompletion()
	tsk.UnblockCompletion()
	require.True(t, tsk.IsCompleted())

	assert.Panics(t, func() {
		tsk.AddIdle(func(*Task, IOEvent) bool { return false }, nil, nil)
	})
}

// Invariant 7 / S5 (scaled down): a subtask tree of depth D with
// branching B completes with exactly 1+B+...+B^D completions; the
// root's result equals its descendant count.
func TestSubtaskTreeCompletionCount(t *testing.T) {
	r := newTestRunner(t)

	const depth = 3
	const branching = 3

	var totalNodes atomic.Int64
	var completedCount atomic.Int64
	var mu sync.Mutex
	completed := map[*Task]bool{}

	var build func(parent *Task, d int) *Task
	build = func(parent *Task, d int) *Task {
		tsk := r.CreateTask(parent)
		totalNodes.Add(1)

		children := make([]*Task, 0, branching)
		if d < depth {
			for i := 0; i < branching; i++ {
				children = append(children, build(tsk, d+1))
			}
		}

		remaining := int32(len(children))
		if remaining == 0 {
			tsk.AddImmediate(func(t *Task, events IOEvent) bool {
				t.SetResult(int64(0))
				mu.Lock()
				completed[t] = true
				mu.Unlock()
				completedCount.Add(1)
				return false
			}, nil, nil)
			return tsk
		}

		descendants := atomic.Int64{}
		var recordChild func(child *Task)
		recordChild = func(child *Task) {
			tsk.AddSubtask(child, func(t *Task, events IOEvent) bool {
				cv, _ := child.GetResult()
				descendants.Add(1 + cv.(int64))
				if atomic.AddInt32(&remaining, -1) == 0 {
					t.SetResult(descendants.Load())
					mu.Lock()
					completed[t] = true
					mu.Unlock()
					completedCount.Add(1)
				}
				return false
			}, nil, nil)
		}
		for _, c := range children {
			recordChild(c)
		}
		return tsk
	}

	root := build(nil, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed[root]
	}, 5*time.Second, time.Millisecond)

	wantNodes := int64(0)
	pow := int64(1)
	for i := 0; i <= depth; i++ {
		wantNodes += pow
		pow *= branching
	}
	assert.Equal(t, wantNodes, totalNodes.Load())
	assert.Equal(t, wantNodes, completedCount.Load())

	result, ok := root.GetResult()
	require.True(t, ok)
	assert.Equal(t, wantNodes-1, result.(int64))
}

// S6 (scaled down): many tasks each consulting the invoking worker's
// thread-local for lazily-initialized per-thread state.
func TestThreadLocalLazyInitPerWorker(t *testing.T) {
	r := newTestRunner(t, WithWorkerCount(4))

	const numTasks = 500
	type tlState struct{ n int }
	key := "tl-state"

	var completed atomic.Int64
	done := make(chan struct{})

	for i := 0; i < numTasks; i++ {
		tsk := r.CreateTask(nil)
		tsk.AddImmediate(func(t *Task, events IOEvent) bool {
			v := t.GetThreadLocal(key)
			var st *tlState
			if v == nil {
				st = &tlState{}
				t.SetThreadLocal(key, st, nil)
			} else {
				st = v.(*tlState)
			}
			st.n++
			if completed.Add(1) == numTasks {
				close(done)
			}
			return false
		}, nil, nil)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out, completed %d/%d", completed.Load(), numTasks)
	}
}

func TestMetricsSnapshotTracksInvocations(t *testing.T) {
	r := newTestRunner(t, WithMetrics(true))
	tsk := r.CreateTask(nil)

	done := make(chan struct{})
	tsk.AddImmediate(func(*Task, IOEvent) bool {
		close(done)
		return false
	}, nil, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("immediate watcher never fired")
	}

	require.Eventually(t, func() bool {
		snap := r.Metrics().Snapshot()
		return snap.TasksCompleted >= 1 && snap.WatchersDestroyed >= 1
	}, time.Second, time.Millisecond)
}

func TestShutdownDisposesLiveTaskWatchers(t *testing.T) {
	r, err := New(WithEventLoopKind(testKind))
	require.NoError(t, err)
	go r.Run()
	r.WaitRunning(true)

	tsk := r.CreateTask(nil)
	var destroyed atomic.Bool
	tsk.AddIdle(func(*Task, IOEvent) bool { return true }, nil, func(any) {
		destroyed.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.True(t, destroyed.Load())
	assert.True(t, tsk.IsCompleted())
}
