package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/conduit/internal/bus"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/journal"
)

// TriggerField names the root identifier of every run's chain.
const TriggerField = "trigger_id"

// Publisher is the bus surface flow components publish through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, scope event.Scope) error
}

// Subscriber is the bus surface flow components bind to.
type Subscriber interface {
	Subscribe(topic string, h event.Handler, scope event.Scope, critical bool) (bus.SubscriptionID, error)
	Unsubscribe(id bus.SubscriptionID)
}

// Recorder appends audit entries. Satisfied by every journal backend.
type Recorder interface {
	Append(ctx context.Context, e journal.Entry) error
}

// RunHook runs after a run opened and before the trigger is republished.
type RunHook func(ctx context.Context, anchor cache.RunAnchor)

// Initiator maps external trigger topics to internal topics and opens a run
// for every trigger.
type Initiator struct {
	routes     map[string]string
	cache      *cache.Cache
	publisher  Publisher
	ids        causality.Generator
	recorder   Recorder
	hooks      []RunHook
	partitions []cache.Partition
	logger     *slog.Logger

	mu   sync.Mutex
	subs []bus.SubscriptionID
	sub  Subscriber
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithInitiatorLogger sets the structured logger.
func WithInitiatorLogger(logger *slog.Logger) InitiatorOption {
	return func(i *Initiator) { i.logger = logger }
}

// WithTriggerIDs sets the generator of trigger ids.
func WithTriggerIDs(gen causality.Generator) InitiatorOption {
	return func(i *Initiator) { i.ids = gen }
}

// WithRecorder records every trigger in the audit journal so its id
// resolves at termination.
func WithRecorder(r Recorder) InitiatorOption {
	return func(i *Initiator) { i.recorder = r }
}

// WithRunHooks adds hooks fired after each run opens.
func WithRunHooks(hooks ...RunHook) InitiatorOption {
	return func(i *Initiator) { i.hooks = append(i.hooks, hooks...) }
}

// WithSeedPartitions pre-creates partitions in every run.
func WithSeedPartitions(partitions ...cache.Partition) InitiatorOption {
	return func(i *Initiator) { i.partitions = append(i.partitions, partitions...) }
}

// NewInitiator creates an initiator for routes (external → internal topic).
func NewInitiator(routes map[string]string, c *cache.Cache, p Publisher, opts ...InitiatorOption) (*Initiator, error) {
	if len(routes) == 0 {
		return nil, fault.New(fault.CodeWiringInvalid, "initiator has no trigger routes").WithStage("initiator")
	}
	for ext, internal := range routes {
		if ext == "" || internal == "" {
			return nil, fault.New(fault.CodeWiringInvalid, "trigger route %q -> %q is incomplete", ext, internal).
				WithStage("initiator")
		}
		if ext == internal {
			return nil, fault.New(fault.CodeWiringInvalid, "trigger %q routes to itself", ext).WithStage("initiator")
		}
	}

	copied := make(map[string]string, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	i := &Initiator{
		routes:    copied,
		cache:     c,
		publisher: p,
		ids:       causality.UUIDv7Generator{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// OnRunStarted registers a hook fired after each run opens.
func (i *Initiator) OnRunStarted(hook RunHook) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hooks = append(i.hooks, hook)
}

// Bind subscribes every external trigger topic as a critical subscription.
func (i *Initiator) Bind(s Subscriber) error {
	topics := make([]string, 0, len(i.routes))
	for ext := range i.routes {
		topics = append(topics, ext)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		id, err := s.Subscribe(topic, i.OnTrigger, event.Global(), true)
		if err != nil {
			return fmt.Errorf("bind trigger %s: %w", topic, err)
		}
		i.mu.Lock()
		i.subs = append(i.subs, id)
		i.sub = s
		i.mu.Unlock()
	}
	return nil
}

// OnTrigger opens a run anchored at the trigger's timestamp, then
// republishes the payload on the mapped internal topic with the same scope.
func (i *Initiator) OnTrigger(ctx context.Context, env event.Envelope) error {
	internal, ok := i.routes[env.Topic]
	if !ok {
		return fault.New(fault.CodeUnroutableEvent, "no internal route for trigger").
			WithStage("initiator").WithTopic(env.Topic)
	}

	ts, err := ExtractTimestamp(env.Payload)
	if err != nil {
		return fault.Wrap(fault.CodeInfrastructure, err, "trigger without a usable timestamp").
			WithStage("initiator").WithTopic(env.Topic)
	}

	triggerID := i.ids.Generate()
	root, err := causality.New(causality.Field{Name: TriggerField, Value: triggerID})
	if err != nil {
		return err
	}

	anchor, err := i.cache.StartNewRun(ts,
		cache.WithRunID(triggerID),
		cache.WithTriggerTopic(env.Topic),
		cache.WithRoot(root),
		cache.WithPartitions(i.partitions...),
	)
	if err != nil {
		if fe, ok := fault.As(err); ok {
			return fe.WithTopic(env.Topic)
		}
		return err
	}

	if i.recorder != nil {
		entry, err := journal.NewEntry(triggerID, "trigger", anchor.RunID, map[string]any{
			"topic":     env.Topic,
			"timestamp": ts,
			"seq":       env.Seq,
		}, ts)
		if err == nil {
			err = i.recorder.Append(ctx, entry)
		}
		if err != nil {
			i.cache.Clear()
			return fault.Wrap(fault.CodeInfrastructure, err, "record trigger").
				WithStage("initiator").WithTopic(env.Topic)
		}
	}

	i.mu.Lock()
	hooks := append([]RunHook(nil), i.hooks...)
	i.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, anchor)
	}

	i.logger.Info("run started",
		"run_id", anchor.RunID,
		"trigger_topic", env.Topic,
		"internal_topic", internal,
		"timestamp", ts,
	)
	return i.publisher.Publish(ctx, internal, env.Payload, env.Scope)
}

// Shutdown unsubscribes every trigger topic. It never fails.
func (i *Initiator) Shutdown() {
	i.mu.Lock()
	subs, s := i.subs, i.sub
	i.subs = nil
	i.mu.Unlock()

	if s == nil {
		return
	}
	for _, id := range subs {
		s.Unsubscribe(id)
	}
}
