package jobs

import "sync"

// readyQueue is the scheduler's shared FIFO of submitted jobs.
//
// Producers never block. Idle workers sleep on cond until a push or close.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Job
	head   int
	idle   int
	closed bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{items: make([]*Job, 0, 64)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends j and wakes one idle worker.
func (q *readyQueue) push(j *Job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	wake := q.idle > 0
	q.mu.Unlock()

	if wake {
		q.cond.Signal()
	}
}

// tryPop removes the oldest job without blocking.
func (q *readyQueue) tryPop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil
	}

	j := q.items[q.head]
	q.items[q.head] = nil // release the reference for GC
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return j
}

// waitForWork blocks until the queue is non-empty or closed.
// It returns false once the queue is closed.
func (q *readyQueue) waitForWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.items) && !q.closed {
		q.idle++
		q.cond.Wait()
		q.idle--
	}
	return !q.closed
}

// close marks the queue closed and wakes every idle worker.
func (q *readyQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *readyQueue) idleWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}
