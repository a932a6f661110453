package plan

import (
	"container/heap"
	"context"
	"sync"
)

// Queue is the single global ready queue described in §5: a FIFO of nodes
// with remaining_deps == 0, ties broken by descending transitive-dependent
// count then insertion order (§4.5). It is protected by a mutex+condvar so
// that Pop can suspend a worker without spinning, and Close wakes every
// blocked worker at once (used for normal drain-to-completion; cancellation
// reaches blocked workers through Pop's ctx).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   nodeHeap
	closed bool
}

// NewQueue constructs an empty ready queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push makes a node available to Pop. Safe to call concurrently with Pop.
func (q *Queue) Push(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, n)
	q.cond.Signal()
}

// Pop removes and returns the highest-priority ready node, blocking if the
// queue is currently empty. It returns ok=false if the queue is closed and
// drained, or if ctx is done while waiting — both signal "stop picking up
// new work" to the caller (§5 "interruptible by cancellation").
func (q *Queue) Pop(ctx context.Context) (*Node, bool) {
	// sync.Cond has no select-based wait, so a watcher goroutine turns ctx
	// cancellation into a Close-like broadcast; it exits as soon as Pop
	// returns by way of the done channel.
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
	}
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.heap) > 0 {
			n := heap.Pop(&q.heap).(*Node)
			return n, true
		}
		if q.closed {
			return nil, false
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Close marks the queue closed and wakes every blocked Pop. Nodes already
// queued can still be popped; later Pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of nodes currently waiting (diagnostic use only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// nodeHeap implements container/heap.Interface, ordering by descending
// transitive priority then ascending insertion sequence.
type nodeHeap []*Node

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].transitivePriority != h[j].transitivePriority {
		return h[i].transitivePriority > h[j].transitivePriority
	}
	return h[i].seq < h[j].seq
}

func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *nodeHeap) Push(x interface{}) {
	*h = append(*h, x.(*Node))
}

func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
