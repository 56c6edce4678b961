package session

import "sync"

// queue is an unbounded FIFO with blocking dequeue and a close signal,
// realizing spec.md §4.1's "condition-variable signalling" producer/
// consumer queue without a capacity bound (spec.md §9 open question: "a
// session whose completion queue is drained by no one grows unboundedly;
// the legacy code does not cap it"). Enqueue never blocks and never
// fails (spec.md §4.1).
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends v. Safe for concurrent producers (spec.md §3, Session
// Invariant 2: "Multiple producers on each queue are allowed").
func (q *queue) Enqueue(v any) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue blocks while the queue is empty and open. It returns
// (item, true) for a real item, or (nil, false) once the queue is closed
// and fully drained (spec.md §3, Session Invariant 3: liveness).
func (q *queue) Dequeue() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Close marks the queue closed and wakes every blocked Dequeue. Items
// already enqueued are still returned by Dequeue until the queue drains
// (spec.md §4.1, "Cancellation": "a stopped session rejects submit and
// returns Error from get_result once both queues drain").
func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of items currently queued (used for
// diagnostics/metrics, e.g. session_queue_depth).
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
