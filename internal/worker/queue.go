package worker

import (
	"container/heap"
	"context"
	"sync"

	"github.com/koromodako/datashark/internal/metrics"
	"github.com/koromodako/datashark/internal/task"
)

type entry struct {
	t   *task.Task
	seq uint64
}

// taskHeap orders by priority, then insertion order.
type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].t.Priority() != h[j].t.Priority() {
		return h[i].t.Less(h[j].t)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue is the input queue shared by the orchestrator and the
// workers. Tasks are served by priority, FIFO among equal priorities.
//
// Every task handed out by Get must be acknowledged with Done once all of
// its results were pushed to the output queue. Unfinished counts tasks that
// were Put but not yet acknowledged, so it reaches zero only when no task is
// queued or in flight.
type PriorityQueue struct {
	mu         sync.Mutex
	h          taskHeap
	seq        uint64
	unfinished int
	ready      chan struct{}
	idle       chan struct{}
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	idle := make(chan struct{})
	close(idle)
	return &PriorityQueue{
		ready: make(chan struct{}, 1),
		idle:  idle,
	}
}

func (q *PriorityQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put enqueues t.
func (q *PriorityQueue) Put(t *task.Task) {
	q.mu.Lock()
	heap.Push(&q.h, entry{t: t, seq: q.seq})
	q.seq++
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	metrics.QueueDepth.Set(float64(len(q.h)))
	q.mu.Unlock()
	q.signal()
}

// TryGet pops the first task without blocking.
func (q *PriorityQueue) TryGet() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(entry)
	metrics.QueueDepth.Set(float64(len(q.h)))
	if len(q.h) > 0 {
		// Wake another waiting consumer.
		q.signal()
	}
	return e.t, true
}

// Get pops the first task, waiting until one is available or ctx is done.
func (q *PriorityQueue) Get(ctx context.Context) (*task.Task, error) {
	for {
		if t, ok := q.TryGet(); ok {
			return t, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done acknowledges a task obtained from Get or TryGet.
func (q *PriorityQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		panic("worker: Done called more times than tasks were put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Len returns the number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Unfinished returns the number of tasks queued or in flight.
func (q *PriorityQueue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Idle returns a channel closed once Unfinished drops to zero.
func (q *PriorityQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Clear drops every queued task and returns how many were dropped.
// In-flight tasks still have to be acknowledged.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.h)
	q.h = nil
	q.unfinished -= n
	if n > 0 && q.unfinished == 0 {
		close(q.idle)
	}
	metrics.QueueDepth.Set(0)
	return n
}

// ResultQueue is the unbounded FIFO output queue. Producers never block.
type ResultQueue struct {
	mu    sync.Mutex
	items []task.Result
	ready chan struct{}
}

// NewResultQueue returns an empty queue.
func NewResultQueue() *ResultQueue {
	return &ResultQueue{ready: make(chan struct{}, 1)}
}

// Put appends r.
func (q *ResultQueue) Put(r task.Result) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryGet pops the oldest result without blocking.
func (q *ResultQueue) TryGet() (task.Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return task.Result{}, false
	}
	r := q.items[0]
	q.items[0] = task.Result{}
	q.items = q.items[1:]
	return r, true
}

// Len returns the number of pending results.
func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready receives a value after Put. A receive does not guarantee a result
// is still pending; drain with TryGet.
func (q *ResultQueue) Ready() <-chan struct{} {
	return q.ready
}
