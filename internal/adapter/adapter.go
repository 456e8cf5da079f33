// Package adapter bridges bus-agnostic workers to the event bus.
//
// An Adapter is built once per worker instance from a pre-resolved Binding:
// the record types the worker requires, the topic → handler routes and the
// topics it may publish. The adapter never parses configuration; everything
// it enforces was decided when the wiring was resolved.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/conduit/internal/bus"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/flow"
)

// HandlerFunc is one worker entry point, resolved at assembly time.
type HandlerFunc func(ctx context.Context, in Input) (Disposition, error)

// Route binds a subscribed topic to a handler.
type Route struct {
	Handle   HandlerFunc
	Critical bool

	// Method names the worker method behind Handle, for diagnostics.
	Method string
}

// Binding is the pre-resolved wiring of one worker instance.
type Binding struct {
	WorkerID string

	// Requires lists record types that must be in the cache before any
	// handler runs.
	Requires []reflect.Type

	// Routes maps subscribed topics to handlers.
	Routes map[string]Route

	// Allowed is the set of topics a Publish disposition may target.
	Allowed map[string]bool

	// Partition is where the worker writes. ReadPartition is where its
	// required records are read; it defaults to Partition.
	Partition     cache.Partition
	ReadPartition *cache.Partition

	// Scope is the subscription scope; PublishScope the default scope of
	// the worker's publishes.
	Scope        event.Scope
	PublishScope event.Scope
}

func (b Binding) readPartition() cache.Partition {
	if b.ReadPartition != nil {
		return *b.ReadPartition
	}
	return b.Partition
}

// Publisher is the bus surface an adapter publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, scope event.Scope) error
}

// Subscriber is the bus surface an adapter binds to.
type Subscriber interface {
	Subscribe(topic string, h event.Handler, scope event.Scope, critical bool) (bus.SubscriptionID, error)
	Unsubscribe(id bus.SubscriptionID)
}

// Adapter is the bridge for one worker instance.
type Adapter struct {
	worker    any
	binding   Binding
	cache     *cache.Cache
	publisher Publisher
	listener  flow.TerminationListener
	logger    *slog.Logger

	state stateMachine

	mu         sync.Mutex
	subs       []bus.SubscriptionID
	subscriber Subscriber
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithTerminationListener sets the receiver of Stop dispositions.
func WithTerminationListener(l flow.TerminationListener) Option {
	return func(a *Adapter) { a.listener = l }
}

// New creates an adapter for worker. The binding must name the worker and
// route at least one topic.
func New(worker any, binding Binding, c *cache.Cache, p Publisher, opts ...Option) (*Adapter, error) {
	if binding.WorkerID == "" {
		return nil, fault.New(fault.CodeWiringInvalid, "binding has no worker id").WithStage("adapter")
	}
	if len(binding.Routes) == 0 {
		return nil, fault.New(fault.CodeWiringInvalid, "binding routes no topics").
			WithStage("adapter").WithWorker(binding.WorkerID)
	}
	for topic, r := range binding.Routes {
		if r.Handle == nil {
			return nil, fault.New(fault.CodeWiringInvalid, "route has no handler").
				WithStage("adapter").WithWorker(binding.WorkerID).WithTopic(topic)
		}
	}
	if c == nil || p == nil {
		return nil, fault.New(fault.CodeWiringInvalid, "cache and publisher are required").
			WithStage("adapter").WithWorker(binding.WorkerID)
	}

	a := &Adapter{
		worker:    worker,
		binding:   binding,
		cache:     c,
		publisher: p,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// WorkerID returns the bound worker id.
func (a *Adapter) WorkerID() string {
	return a.binding.WorkerID
}

// Worker returns the wrapped worker.
func (a *Adapter) Worker() any {
	return a.worker
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	return a.state.load()
}

// Reset returns a faulted adapter to Idle. Called when a new run opens.
func (a *Adapter) Reset() {
	a.state.reset()
}

// OnEvent routes one delivery to the worker and acts on its disposition.
func (a *Adapter) OnEvent(ctx context.Context, env event.Envelope) error {
	if a.state.load() == Faulted {
		return a.fail(fault.New(fault.CodeAdapterFaulted, "adapter is faulted, reset required"), env, false)
	}

	route, ok := a.binding.Routes[env.Topic]
	if !ok {
		return a.fail(fault.New(fault.CodeUnroutableEvent, "no handler for topic"), env, true)
	}

	a.state.to(Validating)
	records, err := a.cache.RequiredRecords(a.binding.WorkerID, a.binding.Requires, a.binding.readPartition())
	if err != nil {
		return a.fail(err, env, true)
	}
	anchor, err := a.cache.RunAnchor()
	if err != nil {
		return a.fail(err, env, true)
	}

	a.state.to(Invoking)
	in := Input{
		Envelope: env,
		Records:  records,
		Anchor:   anchor,
		WorkerID: a.binding.WorkerID,
		cache:    a.cache,
		write:    a.binding.Partition,
		read:     a.binding.readPartition(),
	}
	disp, err := route.Handle(ctx, in)
	if err != nil {
		a.state.to(Idle)
		if _, isFault := fault.As(err); isFault {
			return err
		}
		return fault.Wrap(fault.CodeHandlerFailed, err, "worker %s failed", route.Method).
			WithStage(a.stage()).WithWorker(a.binding.WorkerID).WithTopic(env.Topic)
	}

	err = a.act(ctx, env, anchor, disp)
	a.state.to(Idle)
	return err
}

func (a *Adapter) act(ctx context.Context, env event.Envelope, anchor cache.RunAnchor, disp Disposition) error {
	switch disp.Tag {
	case Continue:
		return nil

	case Publish:
		if !a.binding.Allowed[disp.Topic] {
			return a.fail(fault.New(fault.CodeUndeclaredPublication,
				"publication to %q is not declared", disp.Topic), env, true)
		}
		if !a.cache.IsOpen(anchor.RunID) {
			a.logger.Warn("publication from a closed run dropped",
				"worker_id", a.binding.WorkerID,
				"topic", disp.Topic,
				"run_id", anchor.RunID,
			)
			return fault.New(fault.CodeNoActiveRun, "run %s is no longer open", anchor.RunID).
				WithStage(a.stage()).WithWorker(a.binding.WorkerID).WithTopic(env.Topic)
		}
		scope := a.binding.PublishScope
		if disp.Scope != nil {
			scope = *disp.Scope
		}
		a.logger.Debug("publishing",
			"worker_id", a.binding.WorkerID,
			"topic", disp.Topic,
			"run_id", anchor.RunID,
		)
		return a.publisher.Publish(ctx, disp.Topic, disp.Payload, scope)

	case Stop:
		if a.listener == nil {
			return a.fail(fault.New(fault.CodeWiringInvalid, "stop disposition without a termination listener"), env, true)
		}
		t := flow.Termination{
			RunID:    anchor.RunID,
			WorkerID: a.binding.WorkerID,
			Topic:    env.Topic,
			Payload:  disp.Payload,
			Chain:    chainOf(disp),
			Failure:  disp.Failure,
		}
		if t.Failure != nil && t.Failure.WorkerID == "" {
			t.Failure = t.Failure.WithWorker(a.binding.WorkerID)
		}
		return a.listener.OnTermination(ctx, t)

	default:
		return a.fail(fault.New(fault.CodeWiringInvalid, "unknown disposition tag %d", disp.Tag), env, true)
	}
}

// fail annotates err, logs it and optionally faults the adapter.
func (a *Adapter) fail(err error, env event.Envelope, faulted bool) error {
	if fe, ok := fault.As(err); ok {
		if fe.WorkerID == "" {
			fe = fe.WithWorker(a.binding.WorkerID)
		}
		if fe.Topic == "" {
			fe = fe.WithTopic(env.Topic)
		}
		if fe.Stage == "" || strings.HasPrefix(fe.Stage, "cache") {
			fe = fe.WithStage(a.stage())
		}
		err = fe
	}
	if faulted {
		a.state.fault()
	}
	a.logger.Error("adapter failed",
		"worker_id", a.binding.WorkerID,
		"topic", env.Topic,
		"state", a.state.load().String(),
		"error", err,
	)
	return err
}

func (a *Adapter) stage() string {
	return "adapter." + a.binding.WorkerID
}

// Bind subscribes every routed topic, in sorted topic order.
func (a *Adapter) Bind(s Subscriber) error {
	topics := make([]string, 0, len(a.binding.Routes))
	for topic := range a.binding.Routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		id, err := s.Subscribe(topic, a.OnEvent, a.binding.Scope, a.binding.Routes[topic].Critical)
		if err != nil {
			return fmt.Errorf("bind %s to %s: %w", a.binding.WorkerID, topic, err)
		}
		a.mu.Lock()
		a.subs = append(a.subs, id)
		a.subscriber = s
		a.mu.Unlock()
	}
	return nil
}

// Shutdown unsubscribes every bound topic. It never fails.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	subs, s := a.subs, a.subscriber
	a.subs = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	for _, id := range subs {
		s.Unsubscribe(id)
	}
	a.logger.Debug("adapter stopped", "worker_id", a.binding.WorkerID, "subscriptions", len(subs))
}

func chainOf(disp Disposition) causality.Chain {
	if tr, ok := disp.Payload.(causality.Traceable); ok {
		if c := tr.Causality(); c.Valid() {
			return c
		}
	}
	return disp.Chain
}
