// Package bus implements the topic router between publishers and handlers.
//
// The bus decides only which subscriptions receive an event. How a handler
// runs is delegated to the injected strategy.Strategy.
//
// LOCKING:
//
// The subscription table is guarded by an RWMutex that is never held while
// a handler runs. Publish snapshots the matching subscriptions and releases
// the lock before dispatch, so handlers may subscribe or unsubscribe from
// inside a delivery. Subscriptions added mid-dispatch receive the next
// publish, not the current one.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/strategy"
)

// ErrClosed is returned by Publish and Subscribe after Shutdown.
var ErrClosed = errors.New("bus: closed")

// SubscriptionID is the handle returned by Subscribe.
type SubscriptionID string

// Subscription describes a registered handler.
type Subscription struct {
	ID       SubscriptionID
	Topic    string
	Scope    event.Scope
	Critical bool

	handler event.Handler
}

// Bus is the in-process publish/subscribe router.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription // registration order per topic
	byID   map[SubscriptionID]*Subscription
	closed bool

	strategy strategy.Strategy
	clock    *Clock
	ids      causality.Generator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithIDGenerator sets the subscription id generator.
func WithIDGenerator(gen causality.Generator) Option {
	return func(b *Bus) { b.ids = gen }
}

// WithClock sets the logical clock, e.g. to resume a sequence.
func WithClock(c *Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithNow sets the wall clock used for Envelope.PublishedAt.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus dispatching through s.
func New(s strategy.Strategy, opts ...Option) *Bus {
	b := &Bus{
		topics:   make(map[string][]*Subscription),
		byID:     make(map[SubscriptionID]*Subscription),
		strategy: s,
		clock:    NewClock(),
		ids:      causality.UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for topic. Several handlers may share a topic;
// they are dispatched in registration order.
func (b *Bus) Subscribe(topic string, h event.Handler, scope event.Scope, critical bool) (SubscriptionID, error) {
	if topic == "" {
		return "", fmt.Errorf("subscribe: topic is required")
	}
	if h == nil {
		return "", fmt.Errorf("subscribe %s: handler is required", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	sub := &Subscription{
		ID:       SubscriptionID(b.ids.Generate()),
		Topic:    topic,
		Scope:    scope,
		Critical: critical,
		handler:  h,
	}
	// Copy-on-write keeps snapshots handed to Publish immutable.
	existing := b.topics[topic]
	next := make([]*Subscription, len(existing), len(existing)+1)
	copy(next, existing)
	b.topics[topic] = append(next, sub)
	b.byID[sub.ID] = sub

	b.logger.Debug("subscribed",
		"subscription_id", string(sub.ID),
		"topic", topic,
		"scope", scope.String(),
		"critical", critical,
	)
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	existing := b.topics[sub.Topic]
	next := make([]*Subscription, 0, len(existing))
	for _, s := range existing {
		if s.ID != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.topics, sub.Topic)
	} else {
		b.topics[sub.Topic] = next
	}

	b.logger.Debug("unsubscribed", "subscription_id", string(id), "topic", sub.Topic)
}

// Publish delivers payload to every subscription of topic whose scope is
// reached by scope.
//
// Under the synchronous strategy Publish returns after every handler ran,
// and stops at the first critical failure, returning it. Under the
// asynchronous strategies it returns once every delivery is submitted.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, scope event.Scope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	candidates := b.topics[topic]
	b.mu.RUnlock()

	seq := b.clock.Next()
	if len(candidates) == 0 {
		b.logger.Debug("no subscribers", "topic", topic, "seq", seq)
		return nil
	}

	publishedAt := b.now()
	for _, sub := range candidates {
		if !scope.Matches(sub.Scope) {
			continue
		}
		env := event.Envelope{
			Topic:          topic,
			Payload:        payload,
			Scope:          scope,
			Seq:            seq,
			PublishedAt:    publishedAt,
			SubscriptionID: string(sub.ID),
		}
		if err := b.strategy.Execute(ctx, sub.handler, env, sub.Critical); err != nil {
			if errors.Is(err, strategy.ErrShutdown) {
				return ErrClosed
			}
			return err
		}
	}
	return nil
}

// Subscriptions lists the subscriptions of topic in dispatch order.
func (b *Bus) Subscriptions(topic string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	out := make([]Subscription, len(subs))
	for i, s := range subs {
		out[i] = *s
		out[i].handler = nil
	}
	return out
}

// Topics returns the number of topics with at least one subscription.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Strategy returns the execution backend.
func (b *Bus) Strategy() strategy.Strategy {
	return b.strategy
}

// Clock returns the logical clock stamping publishes.
func (b *Bus) Clock() *Clock {
	return b.clock
}

// Shutdown drains the strategy, then drops every subscription. Later
// publishes fail with ErrClosed. Calling Shutdown again is a no-op.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}

	err := b.strategy.Shutdown(ctx)
	if err != nil {
		b.logger.Warn("strategy shutdown failed", "error", err)
	}

	b.mu.Lock()
	b.closed = true
	n := len(b.byID)
	b.topics = make(map[string][]*Subscription)
	b.byID = make(map[SubscriptionID]*Subscription)
	b.mu.Unlock()

	b.logger.Debug("bus stopped", "dropped_subscriptions", n, "last_seq", b.clock.Current())
	return err
}
