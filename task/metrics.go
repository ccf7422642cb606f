package task

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks watcher invocation latency via a P² streaming quantile
// estimator (Jain & Chlamtac 1985), so a long-running Runner can report a
// latency percentile without retaining every observation. Grounded on
// eventloop/psquare.go and eventloop/metrics.go; restructured (not
// copied) as its own small estimator here since package task cannot
// import threadpool's unexported pSquareQuantile.
type Metrics struct {
	mu            sync.Mutex
	invokeLatency *pSquareQuantile

	tasksCompleted    atomic.Int64
	watchersDestroyed atomic.Int64
}

func newMetrics() *Metrics {
	return &Metrics{invokeLatency: newPSquareQuantile(0.99)}
}

func (m *Metrics) recordInvoke(d time.Duration) {
	m.mu.Lock()
	m.invokeLatency.update(float64(d))
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time read of a Runner's Metrics.
type MetricsSnapshot struct {
	InvokeLatencyP99  time.Duration
	TasksCompleted    int64
	WatchersDestroyed int64
}

// Snapshot returns the current metrics values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	lat := m.invokeLatency.quantile()
	m.mu.Unlock()
	return MetricsSnapshot{
		InvokeLatencyP99:  time.Duration(lat),
		TasksCompleted:    m.tasksCompleted.Load(),
		WatchersDestroyed: m.watchersDestroyed.Load(),
	}
}

// pSquareQuantile estimates a single quantile p from a stream of float64
// observations in O(1) time and five-marker space, per Jain & Chlamtac's
// P² algorithm.
type pSquareQuantile struct {
	p float64

	q  [5]float64
	n  [5]int
	np [5]float64
	dn [5]float64

	count     int
	initBuf   [5]float64
}

func newPSquareQuantile(p float64) *pSquareQuantile {
	return &pSquareQuantile{p: p}
}

func (q *pSquareQuantile) update(x float64) {
	if q.count < 5 {
		q.initBuf[q.count] = x
		q.count++
		if q.count == 5 {
			q.initialize()
		}
		return
	}

	var k int
	switch {
	case x < q.q[0]:
		q.q[0] = x
		k = 0
	case x < q.q[1]:
		k = 0
	case x < q.q[2]:
		k = 1
	case x < q.q[3]:
		k = 2
	case x < q.q[4]:
		k = 3
	default:
		q.q[4] = x
		k = 3
	}
	for i := k + 1; i < 5; i++ {
		q.n[i]++
	}
	for i := 0; i < 5; i++ {
		q.np[i] += q.dn[i]
	}
	q.count++

	for i := 1; i <= 3; i++ {
		d := q.np[i] - float64(q.n[i])
		if (d >= 1 && q.n[i+1]-q.n[i] > 1) || (d <= -1 && q.n[i-1]-q.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qi := q.parabolic(i, sign)
			if q.q[i-1] < qi && qi < q.q[i+1] {
				q.q[i] = qi
			} else {
				q.q[i] = q.linear(i, sign)
			}
			q.n[i] += sign
		}
	}
}

func (q *pSquareQuantile) initialize() {
	sorted := q.initBuf
	sort.Float64s(sorted[:])
	q.q = sorted
	q.n = [5]int{1, 2, 3, 4, 5}
	q.np = [5]float64{1, 1 + 2*q.p, 1 + 4*q.p, 3 + 2*q.p, 5}
	q.dn = [5]float64{0, q.p / 2, q.p, (1 + q.p) / 2, 1}
}

func (q *pSquareQuantile) parabolic(i, d int) float64 {
	dd := float64(d)
	return q.q[i] + dd/float64(q.n[i+1]-q.n[i-1])*
		((float64(q.n[i]-q.n[i-1])+dd)*(q.q[i+1]-q.q[i])/float64(q.n[i+1]-q.n[i])+
			(float64(q.n[i+1]-q.n[i])-dd)*(q.q[i]-q.q[i-1])/float64(q.n[i]-q.n[i-1]))
}

func (q *pSquareQuantile) linear(i, d int) float64 {
	return q.q[i] + float64(d)*(q.q[i+d]-q.q[i])/float64(q.n[i+d]-q.n[i])
}

func (q *pSquareQuantile) quantile() float64 {
	if q.count == 0 {
		return 0
	}
	if q.count < 5 {
		sorted := append([]float64(nil), q.initBuf[:q.count]...)
		sort.Float64s(sorted)
		idx := int(q.p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return q.q[2]
}
