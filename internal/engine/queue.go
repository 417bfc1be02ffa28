package engine

import "sync"

// taskQueue is a thread-safe FIFO queue of request task IDs.
//
// The queue is unbounded so completion fan-out never blocks a worker.
// Duplicate IDs are allowed: admission checks make re-delivery harmless.
//
// The queue counts outstanding items, enqueued but not yet marked Done, so a
// draining run can tell "empty for now" apart from "nothing left to do".
//
// The queue uses a channel for signaling to enable context-aware waiting in
// worker loops.
type taskQueue struct {
	mu          sync.Mutex
	ids         []string
	outstanding int
	closed      bool
	signal      chan struct{} // Signals item availability (buffered, size 1)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		ids:    make([]string, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// wake signals availability without blocking. Caller holds mu.
func (q *taskQueue) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue adds a task ID to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)
	q.outstanding++
	q.wake()
	return true
}

// TryDequeue removes and returns the front ID without blocking.
// Every successful dequeue must be followed by one Done call.
func (q *taskQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
		// Hand the rest to another idle worker.
		q.wake()
	}
	return id, true
}

// Done marks one dequeued item as processed and returns how many items
// remain outstanding.
func (q *taskQueue) Done() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	if q.outstanding == 0 {
		// Idle workers re-check and exit a draining run.
		q.wake()
	}
	return q.outstanding
}

// Nudge wakes one waiter without adding an item.
func (q *taskQueue) Nudge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wake()
}

// Outstanding returns the number of items enqueued but not yet Done.
func (q *taskQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Wait returns a channel that signals when items may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued IDs.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close signals that no more IDs will be enqueued and wakes every waiter.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *taskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
