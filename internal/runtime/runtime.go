// Package runtime assembles a resolved wiring plan into a running pipeline.
//
// It is the only place where the strategy, bus, cache, adapters and flow
// components meet. Nothing else in the module holds global state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/bus"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/journal"
	"github.com/roach88/conduit/internal/strategy"
	"github.com/roach88/conduit/internal/telemetry"
	"github.com/roach88/conduit/internal/wiring"
)

// Runtime owns one assembled pipeline.
type Runtime struct {
	plan       *wiring.Plan
	strategy   strategy.Strategy
	bus        *bus.Bus
	cache      *cache.Cache
	journal    journal.Journal
	adapters   []*adapter.Adapter
	initiator  *flow.Initiator
	terminator *flow.Terminator
	supervisor *flow.Supervisor
	runs       *telemetry.RunMetrics
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	triggerIDs causality.Generator
	finished   []func(flow.Outcome)
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the tracer of the execution strategy.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithTriggerIDs sets the generator of trigger (and run) ids.
func WithTriggerIDs(gen causality.Generator) Option {
	return func(o *options) { o.triggerIDs = gen }
}

// WithOnFinished adds a callback receiving every run outcome.
func WithOnFinished(fn func(flow.Outcome)) Option {
	return func(o *options) { o.finished = append(o.finished, fn) }
}

// New assembles plan under cfg. j may be nil, in which case chains are
// not resolved. The journal stays owned by the caller.
func New(cfg config.Config, plan *wiring.Plan, j journal.Journal, opts ...Option) (*Runtime, error) {
	if plan == nil {
		return nil, fault.New(fault.CodeWiringInvalid, "no wiring plan").WithStage("runtime")
	}
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	stratOpts := []strategy.Option{strategy.WithLogger(o.logger)}
	if o.tracer != nil {
		stratOpts = append(stratOpts, strategy.WithTracer(o.tracer))
	}
	s, err := strategy.New(cfg.Strategy, stratOpts...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeWiringInvalid, err, "build strategy").WithStage("runtime")
	}

	r := &Runtime{
		plan:     plan,
		strategy: s,
		bus:      bus.New(s, bus.WithLogger(o.logger)),
		journal:  j,
		runs:     telemetry.NewRunMetrics(),
		logger:   o.logger,
	}

	cacheOpts := []cache.Option{cache.WithLogger(o.logger), cache.WithAutoClear(cfg.Cache.AutoClear)}
	if cfg.Cache.Strict {
		cacheOpts = append(cacheOpts, cache.WithOutputContracts(plan.OutputContracts))
	}
	r.cache = cache.New(cacheOpts...)

	termOpts := []flow.TerminatorOption{
		flow.WithTerminatorLogger(o.logger),
		flow.WithOnFinished(r.observe),
	}
	for _, fn := range o.finished {
		termOpts = append(termOpts, flow.WithOnFinished(fn))
	}
	var fj flow.Journal
	if j != nil {
		fj = j
	}
	r.terminator = flow.NewTerminator(r.cache, fj, termOpts...)

	for _, wp := range plan.Workers {
		a, err := adapter.New(wp.Worker, wp.Binding, r.cache, r.bus,
			adapter.WithLogger(o.logger),
			adapter.WithTerminationListener(r.terminator),
		)
		if err != nil {
			return nil, err
		}
		r.adapters = append(r.adapters, a)
	}

	initOpts := []flow.InitiatorOption{
		flow.WithInitiatorLogger(o.logger),
		flow.WithSeedPartitions(plan.Partitions()...),
		flow.WithRunHooks(r.resetFaulted),
	}
	if j != nil {
		initOpts = append(initOpts, flow.WithRecorder(j))
	}
	if o.triggerIDs != nil {
		initOpts = append(initOpts, flow.WithTriggerIDs(o.triggerIDs))
	}
	r.initiator, err = flow.NewInitiator(plan.Triggers, r.cache, r.bus, initOpts...)
	if err != nil {
		return nil, err
	}

	r.supervisor = flow.NewSupervisor(s.Failures(), r.cache, r.terminator, o.logger)
	return r, nil
}

// Start binds every component to the bus and starts the supervisor.
// Calling Start again is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	for _, a := range r.adapters {
		if err := a.Bind(r.bus); err != nil {
			return err
		}
	}
	if err := r.terminator.Bind(r.bus, r.plan.TerminalTopics...); err != nil {
		return err
	}
	if err := r.initiator.Bind(r.bus); err != nil {
		return err
	}
	r.supervisor.Start(ctx)
	r.started = true

	r.logger.Info("runtime started",
		"backend", r.strategy.Metrics().Backend,
		"workers", len(r.adapters),
		"triggers", len(r.plan.Triggers),
	)
	return nil
}

// Publish publishes payload on topic.
//
// Under the synchronous strategy a critical failure surfaces here; the open
// run is halted before the error is returned. Asynchronous failures reach
// the supervisor through the strategy's failure channel instead.
func (r *Runtime) Publish(ctx context.Context, topic string, payload any, scope event.Scope) error {
	err := r.bus.Publish(ctx, topic, payload, scope)
	if err == nil || errors.Is(err, bus.ErrClosed) {
		return err
	}
	if r.cache.Active() {
		r.supervisor.Halt(ctx, strategy.CriticalFailure{Topic: topic, Err: err})
	}
	return err
}

// Trigger publishes an external trigger with global scope.
func (r *Runtime) Trigger(ctx context.Context, topic string, payload any) error {
	if _, ok := r.plan.Triggers[topic]; !ok {
		return fault.New(fault.CodeUnroutableEvent, "%q is not a trigger topic", topic).
			WithStage("runtime").WithTopic(topic)
	}
	return r.Publish(ctx, topic, payload, event.Global())
}

// Cache returns the run cache.
func (r *Runtime) Cache() *cache.Cache {
	return r.cache
}

// Bus returns the event bus.
func (r *Runtime) Bus() *bus.Bus {
	return r.bus
}

// Strategy returns the execution backend.
func (r *Runtime) Strategy() strategy.Strategy {
	return r.strategy
}

// Adapters returns the adapters in plan order.
func (r *Runtime) Adapters() []*adapter.Adapter {
	return append([]*adapter.Adapter(nil), r.adapters...)
}

// Metrics returns a snapshot of the strategy counters.
func (r *Runtime) Metrics() strategy.Metrics {
	return r.strategy.Metrics()
}

// Collectors returns the Prometheus collectors of this runtime.
func (r *Runtime) Collectors() []prometheus.Collector {
	return []prometheus.Collector{telemetry.NewCollector(r.strategy), r.runs}
}

// Shutdown unbinds every component, drains the strategy and waits for the
// supervisor. It is best effort: every step runs and failures are joined.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	r.initiator.Shutdown()
	for _, a := range r.adapters {
		a.Shutdown()
	}
	r.terminator.Shutdown()

	var errs []error
	if err := r.bus.Shutdown(ctx); err != nil {
		r.logger.Warn("bus shutdown failed", "error", err)
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if started {
		select {
		case <-r.supervisor.Done():
		case <-ctx.Done():
			r.logger.Warn("supervisor did not stop", "error", ctx.Err())
			errs = append(errs, fmt.Errorf("supervisor: %w", ctx.Err()))
		}
	}

	if r.cache.Active() {
		anchor, _ := r.cache.RunAnchor()
		r.logger.Warn("run still open at shutdown", "run_id", anchor.RunID)
		r.cache.Clear()
	}
	r.logger.Info("runtime stopped")
	return errors.Join(errs...)
}

func (r *Runtime) observe(out flow.Outcome) {
	switch {
	case out.Err != nil:
		r.runs.Observe(telemetry.OutcomeUnresolved)
	case out.Termination.Failed():
		r.runs.Observe(telemetry.OutcomeFailed)
	default:
		r.runs.Observe(telemetry.OutcomeCompleted)
	}
}

func (r *Runtime) resetFaulted(_ context.Context, anchor cache.RunAnchor) {
	for _, a := range r.adapters {
		if a.State() == adapter.Faulted {
			r.logger.Info("resetting faulted adapter", "worker_id", a.WorkerID(), "run_id", anchor.RunID)
			a.Reset()
		}
	}
}
