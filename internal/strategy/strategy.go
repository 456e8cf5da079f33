// Package strategy implements the pluggable handler-invocation backends.
//
// The bus resolves which handlers receive an event and hands each delivery
// to a Strategy. Backends decide how the handler runs:
//
//   - Synchronous: inline on the publisher's goroutine
//   - ThreadPool: a fixed set of worker goroutines over a FIFO queue
//   - Actor: per-subscription actor pools fed through mailboxes, with
//     payloads copied through msgpack so actors never share memory
//
// ERROR CONTRACT:
//
// A failing non-critical handler is counted, logged and suppressed. A failing
// critical handler is re-raised inline by the synchronous backend; the
// asynchronous backends record it and send a CriticalFailure on Failures(),
// because the publisher has already returned.
//
// Configuration, missing dependency and infrastructure faults (see
// fault.IsFatal) take the critical path whatever the subscription says.
//
// A handler publishing downstream never waits on its own backend: the
// thread pool lets such work overflow its bound and an actor hands a post
// for a full mailbox off to a goroutine.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/conduit/internal/event"
)

// Backend names accepted by New.
const (
	BackendSync       = "sync"
	BackendThreadPool = "threadpool"
	BackendActor      = "actor"
)

var (
	// ErrShutdown is returned by Execute after Shutdown was called.
	ErrShutdown = errors.New("strategy: shut down")

	// ErrQueueFull is returned by the thread-pool backend when its bounded
	// queue is full and rejection is enabled.
	ErrQueueFull = errors.New("strategy: queue full")
)

// Strategy is the execution backend contract. The bus and adapters are
// written once against it and never branch on the concrete backend.
type Strategy interface {
	// Execute runs h for one delivery. critical decides whether a handler
	// failure halts the run; fatal faults halt it regardless.
	Execute(ctx context.Context, h event.Handler, env event.Envelope, critical bool) error

	// Shutdown blocks until outstanding work completes or ctx ends.
	Shutdown(ctx context.Context) error

	// Metrics returns a snapshot of the backend counters.
	Metrics() Metrics

	// Failures delivers critical failures of asynchronous executions. The
	// channel is closed by Shutdown.
	Failures() <-chan CriticalFailure
}

// Metrics is a point-in-time snapshot of a backend's counters.
type Metrics struct {
	Backend string `json:"backend"`

	Total          uint64 `json:"total_executions"`
	Succeeded      uint64 `json:"successful_executions"`
	Failed         uint64 `json:"failed_executions"`
	CriticalFailed uint64 `json:"critical_failures"`
	Rejected       uint64 `json:"rejected_executions"`

	// DroppedFailures counts critical failures that found the escalation
	// channel full.
	DroppedFailures uint64 `json:"dropped_failures"`

	// Backend-specific gauges.
	QueueDepth    int `json:"queue_depth"`
	ActiveWorkers int `json:"active_workers"`
	Actors        int `json:"actors"`
}

// CriticalFailure reports a failed critical handler.
type CriticalFailure struct {
	SubscriptionID string
	Topic          string
	Seq            int64
	Err            error
	At             time.Time
}

// Error implements the error interface.
func (f CriticalFailure) Error() string {
	return fmt.Sprintf("critical handler %s failed on %s: %v", f.SubscriptionID, f.Topic, f.Err)
}

// Unwrap returns the handler error.
func (f CriticalFailure) Unwrap() error {
	return f.Err
}

// Config selects and tunes a backend.
type Config struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// ThreadPool
	Workers        int  `yaml:"workers" env:"WORKERS"`
	QueueSize      int  `yaml:"queue_size" env:"QUEUE_SIZE"`
	RejectWhenFull bool `yaml:"reject_when_full" env:"REJECT_WHEN_FULL"`

	// Actor
	ActorsPerHandler int `yaml:"actors_per_handler" env:"ACTORS_PER_HANDLER"`
	MailboxSize      int `yaml:"mailbox_size" env:"MAILBOX_SIZE"`

	// FailureBuffer sizes the critical-failure channel of async backends.
	FailureBuffer int `yaml:"failure_buffer" env:"FAILURE_BUFFER"`
}

// DefaultConfig returns the synchronous backend configuration.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendSync,
		Workers:          DefaultWorkers,
		ActorsPerHandler: DefaultActorsPerHandler,
		MailboxSize:      DefaultMailboxSize,
		FailureBuffer:    DefaultFailureBuffer,
	}
}

// Validate checks the backend name and sizes.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSync, BackendThreadPool, BackendActor:
	default:
		return fmt.Errorf("invalid strategy backend %q: must be sync, threadpool, or actor", c.Backend)
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.ActorsPerHandler < 0 || c.MailboxSize < 0 || c.FailureBuffer < 0 {
		return fmt.Errorf("strategy sizes must not be negative")
	}
	return nil
}

// New builds the backend named by cfg.Backend. Zero sizes fall back to
// the defaults.
func New(cfg Config, opts ...Option) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FailureBuffer > 0 {
		opts = append([]Option{WithFailureBuffer(cfg.FailureBuffer)}, opts...)
	}

	switch cfg.Backend {
	case BackendThreadPool:
		return NewThreadPool(append(opts,
			WithWorkers(cfg.Workers),
			WithQueueSize(cfg.QueueSize),
			WithRejectWhenFull(cfg.RejectWhenFull),
		)...), nil
	case BackendActor:
		return NewActor(append(opts,
			WithActorsPerHandler(cfg.ActorsPerHandler),
			WithMailboxSize(cfg.MailboxSize),
		)...), nil
	default:
		return NewSynchronous(opts...), nil
	}
}

// waitDone waits for done or ctx, whichever comes first.
func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discardLogger is the default logger of every backend.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
