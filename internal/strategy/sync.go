package strategy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/conduit/internal/event"
)

// Synchronous runs every handler inline on the publisher's goroutine.
// Throughput is coupled to the slowest handler; ordering is total.
type Synchronous struct {
	*invoker

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	active   atomic.Int64
}

var _ Strategy = (*Synchronous)(nil)

// NewSynchronous creates the inline backend.
func NewSynchronous(opts ...Option) *Synchronous {
	return &Synchronous{invoker: newInvoker(BackendSync, newSettings(opts))}
}

// Execute runs h inline. A failure that halts the run (critical
// subscription or fatal fault) is returned to the caller; any other
// failure is counted and suppressed.
func (s *Synchronous) Execute(ctx context.Context, h event.Handler, env event.Envelope, critical bool) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrShutdown
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	s.active.Add(1)
	defer s.active.Add(-1)

	if err := s.invoke(ctx, h, env, critical); halts(err, critical) {
		return err
	}
	return nil
}

// Shutdown stops accepting executions and waits for the ones running on
// publisher goroutines to return, or for ctx to end.
func (s *Synchronous) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.closeFailures()
		close(done)
	}()

	if err := waitDone(ctx, done); err != nil {
		s.logger.Warn("strategy shutdown timed out",
			"backend", s.backend,
			"active_workers", s.active.Load(),
			"error", err,
		)
		return err
	}
	s.logger.Debug("strategy stopped", "backend", s.backend)
	return nil
}

// Metrics implements Strategy.
func (s *Synchronous) Metrics() Metrics {
	m := s.snapshot()
	m.ActiveWorkers = int(s.active.Load())
	return m
}
