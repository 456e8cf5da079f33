package strategy

import "sync"

type task struct {
	fn func()
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	queueClosed
	queueFull
)

// taskQueue is the FIFO feeding the thread pool.
//
// With capacity zero the queue is unbounded; queue growth is then the
// caller's concern. A bounded queue reports queueFull instead of growing.
//
// The signal channel (buffered, size 1) wakes idle workers; Close closes it
// so every worker drains what is left and exits.
type taskQueue struct {
	mu       sync.Mutex
	tasks    []task
	capacity int
	closed   bool
	signal   chan struct{}
	space    chan struct{}
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		tasks:    make([]task, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
func (q *taskQueue) Enqueue(t task) enqueueResult {
	return q.enqueue(t, false)
}

// Overflow adds a task even when a bounded queue is full. Workers that
// publish downstream use it: they cannot wait for space they free themselves.
func (q *taskQueue) Overflow(t task) enqueueResult {
	return q.enqueue(t, true)
}

func (q *taskQueue) enqueue(t task, overflow bool) enqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queueClosed
	}
	if !overflow && q.capacity > 0 && len(q.tasks) >= q.capacity {
		return queueFull
	}

	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	// Pass a space wakeup on to the next blocked producer.
	if q.capacity > 0 && len(q.tasks) < q.capacity {
		q.notifySpace()
	}
	return enqueued
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}

	t := q.tasks[0]
	// Release the closure so the backing array does not pin it.
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	// Wake another idle worker while work remains.
	if len(q.tasks) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	if q.capacity > 0 {
		q.notifySpace()
	}
	return t, true
}

// Dequeue blocks until a task is available. It returns false once the
// queue is closed and empty.
func (q *taskQueue) Dequeue() (task, bool) {
	for {
		if t, ok := q.TryDequeue(); ok {
			return t, true
		}

		q.mu.Lock()
		if q.closed && len(q.tasks) == 0 {
			q.mu.Unlock()
			return task{}, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

// Space signals that a bounded queue may have room.
func (q *taskQueue) Space() <-chan struct{} {
	return q.space
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes every waiting worker.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}

func (q *taskQueue) notifySpace() {
	if q.closed {
		return
	}
	select {
	case q.space <- struct{}{}:
	default:
	}
}
