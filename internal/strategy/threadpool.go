package strategy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/conduit/internal/event"
)

// ThreadPool submits every execution to a fixed set of worker goroutines.
// Execute returns once the work is queued, not completed.
type ThreadPool struct {
	*invoker

	queue   *taskQueue
	wg      sync.WaitGroup
	active  atomic.Int64
	mu      sync.Mutex
	stopped bool
}

var _ Strategy = (*ThreadPool)(nil)

// NewThreadPool creates the pool and starts its workers.
func NewThreadPool(opts ...Option) *ThreadPool {
	s := newSettings(opts)
	p := &ThreadPool{
		invoker: newInvoker(BackendThreadPool, s),
		queue:   newTaskQueue(s.queueSize),
	}

	p.logger.Debug("strategy starting",
		"backend", p.backend,
		"workers", s.workers,
		"queue_size", s.queueSize,
	)
	for range s.workers {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Execute queues h. The handler runs with a context detached from the
// publisher's cancellation but carrying its values.
//
// When the bounded queue is full Execute either rejects with ErrQueueFull
// or blocks until space frees up or ctx ends. A publish made by one of the
// pool's own handlers is never rejected or blocked: it overflows the bound.
func (p *ThreadPool) Execute(ctx context.Context, h event.Handler, env event.Envelope, critical bool) error {
	runCtx := context.WithoutCancel(ctx)
	t := task{fn: func() {
		if err := p.invoke(runCtx, h, env, critical); halts(err, critical) {
			p.escalate(env, err)
		}
	}}

	if p.nested(ctx) {
		if p.queue.Overflow(t) == queueClosed {
			return ErrShutdown
		}
		return nil
	}

	for {
		switch p.queue.Enqueue(t) {
		case enqueued:
			return nil
		case queueClosed:
			return ErrShutdown
		case queueFull:
			if p.rejectWhenFull {
				p.rejected.Add(1)
				p.logger.Warn("execution rejected, queue full",
					"topic", env.Topic,
					"subscription_id", env.SubscriptionID,
				)
				return ErrQueueFull
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.queue.Space():
			}
		}
	}
}

func (p *ThreadPool) work() {
	defer p.wg.Done()
	for {
		t, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.active.Add(1)
		t.fn()
		p.active.Add(-1)
	}
}

// Shutdown stops accepting work and waits for the queue to drain.
// If ctx ends first the workers keep draining in the background and
// ctx.Err() is returned.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Debug("strategy stopping", "backend", p.backend, "queue_depth", p.queue.Len())
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.closeFailures()
		close(done)
	}()

	if err := waitDone(ctx, done); err != nil {
		p.logger.Warn("strategy shutdown timed out", "backend", p.backend, "error", err)
		return err
	}
	p.logger.Debug("strategy stopped", "backend", p.backend)
	return nil
}

// Metrics implements Strategy.
func (p *ThreadPool) Metrics() Metrics {
	m := p.snapshot()
	m.QueueDepth = p.queue.Len()
	m.ActiveWorkers = int(p.active.Load())
	return m
}
