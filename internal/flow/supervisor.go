package flow

import (
	"context"
	"log/slog"

	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/strategy"
)

// Supervisor halts runs whose critical handlers failed on an asynchronous
// strategy. It turns each CriticalFailure into a failed Termination.
type Supervisor struct {
	failures <-chan strategy.CriticalFailure
	cache    *cache.Cache
	listener TerminationListener
	logger   *slog.Logger
	done     chan struct{}
}

// NewSupervisor creates a supervisor reading failures.
func NewSupervisor(failures <-chan strategy.CriticalFailure, c *cache.Cache, l TerminationListener, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		failures: failures,
		cache:    c,
		listener: l,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start consumes failures until the channel closes or ctx ends.
func (s *Supervisor) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case cf, ok := <-s.failures:
				if !ok {
					return
				}
				s.Halt(ctx, cf)
			}
		}
	}()
}

// Done is closed once the supervisor stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Halt delivers a failed Termination for cf to the listener.
//
// A trigger rejected because a run is still open never halts that run, and
// neither does a late write or publish from a run that already closed.
func (s *Supervisor) Halt(ctx context.Context, cf strategy.CriticalFailure) {
	switch {
	case fault.Is(cf.Err, fault.CodeAlreadyActiveRun):
		s.logger.Warn("trigger rejected while a run is open",
			"topic", cf.Topic,
			"error", cf.Err,
		)
		return
	case fault.Is(cf.Err, fault.CodeNoActiveRun):
		s.logger.Warn("late work from a closed run discarded",
			"topic", cf.Topic,
			"subscription_id", cf.SubscriptionID,
			"error", cf.Err,
		)
		return
	}

	anchor, err := s.cache.RunAnchor()
	if err != nil {
		s.logger.Warn("critical failure outside a run",
			"topic", cf.Topic,
			"subscription_id", cf.SubscriptionID,
			"error", cf.Err,
		)
		return
	}

	fe, ok := fault.As(cf.Err)
	if !ok {
		fe = fault.Wrap(fault.CodeHandlerFailed, cf.Err, "critical handler failed")
	}
	if fe.Topic == "" {
		fe = fe.WithTopic(cf.Topic)
	}

	term := Termination{
		RunID:    anchor.RunID,
		WorkerID: fe.WorkerID,
		Topic:    cf.Topic,
		Chain:    anchor.Root,
		Failure:  fe,
	}
	if err := s.listener.OnTermination(ctx, term); err != nil {
		s.logger.Error("halting run failed", "run_id", anchor.RunID, "error", err)
	}
}
