package engine

import "sync"

// queue is the engine's unbounded FIFO of pending closures. post never
// blocks, so transport goroutines and timer callbacks can always hand work
// to the loop.
type queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push appends fn and wakes the loop. It reports false once the queue has
// been closed.
func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued so far.
func (q *queue) take() []func() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()
	return batch
}

// close rejects further pushes and drops what is still pending.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}
