package work

import (
	"container/heap"
	"sync"
)

type queued struct {
	id       string
	priority int
	seq      uint64
}

// pqueue orders by priority ascending, then submission sequence.
type pqueue []queued

func (q pqueue) Len() int { return len(q) }

func (q pqueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pqueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pqueue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// readyQueue is the pending-work heap. Its lock covers the heap only; item
// state lives on the item entry. Cancel removes its id eagerly; any other
// stale id is dropped when drained.
type readyQueue struct {
	mu sync.Mutex
	pq pqueue
}

func (r *readyQueue) push(q queued) {
	r.mu.Lock()
	heap.Push(&r.pq, q)
	r.mu.Unlock()
}

// drain empties the heap and returns its contents in priority order.
func (r *readyQueue) drain() []queued {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queued, 0, len(r.pq))
	for r.pq.Len() > 0 {
		out = append(out, heap.Pop(&r.pq).(queued))
	}
	return out
}

// remove drops id from the heap and reports whether it was queued.
func (r *readyQueue) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.pq {
		if q.id == id {
			heap.Remove(&r.pq, i)
			return true
		}
	}
	return false
}

func (r *readyQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pq.Len()
}
