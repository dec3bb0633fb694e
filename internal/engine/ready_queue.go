package engine

import (
	"container/heap"
	"sync"

	"github.com/ember-ml/ember/internal/graph"
)

// workItem is one ready node together with its filled input buffer. By the
// time an item is queued the buffer is exclusively owned by whichever worker
// pops it.
type workItem struct {
	node   graph.Node
	buffer *InputBuffer
}

func (w workItem) priority() uint64 {
	return w.node.NodeBase().Sequence()
}

// workHeap is a max-heap on node creation sequence numbers: nodes created
// later in the forward pass run earlier in the backward pass, which
// approximates reverse topological order without a full sort.
type workHeap []workItem

func (h workHeap) Len() int           { return len(h) }
func (h workHeap) Less(i, j int) bool { return h[i].priority() > h[j].priority() }
func (h workHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)        { *h = append(*h, x.(workItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue is the per-device queue a worker pops ready nodes from.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  workHeap
	closed bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a ready item. Pushing to a closed queue drops the item;
// the task has already finished and the gradient has nowhere to go.
func (q *readyQueue) push(item workItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.items, item)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *readyQueue) pop() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return workItem{}, false
	}
	return heap.Pop(&q.items).(workItem), true
}

// close wakes all waiting workers; queued items are still handed out so a
// failed task can drain them without executing.
func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
