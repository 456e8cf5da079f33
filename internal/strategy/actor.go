package strategy

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

type message struct {
	ctx      context.Context
	h        event.Handler
	env      event.Envelope
	critical bool
}

// actorPool is the set of actors serving one subscription.
type actorPool struct {
	mailboxes []chan message
	next      atomic.Uint64
}

func (p *actorPool) pick() chan message {
	n := p.next.Add(1) - 1
	return p.mailboxes[n%uint64(len(p.mailboxes))]
}

// Actor routes each subscription to its own pool of actors, round-robin.
//
// Each actor is a goroutine reading a private mailbox. Payloads are copied
// through the codec before they are posted, so an actor never shares memory
// with the publisher; payloads must therefore be serializable. Handlers must
// be stateless or keep their state outside the actor.
type Actor struct {
	*invoker

	mu       sync.RWMutex
	pools    map[string]*actorPool
	group    *errgroup.Group
	inflight sync.WaitGroup
	closed   bool
	actors   atomic.Int64
	active   atomic.Int64
}

var _ Strategy = (*Actor)(nil)

// NewActor creates the actor backend. Actors are spawned lazily the first
// time a subscription receives a message.
func NewActor(opts ...Option) *Actor {
	return &Actor{
		invoker: newInvoker(BackendActor, newSettings(opts)),
		pools:   make(map[string]*actorPool),
		group:   &errgroup.Group{},
	}
}

// Execute copies the payload and posts it to the next actor of the
// subscription's pool. It blocks only while that mailbox is full.
func (a *Actor) Execute(ctx context.Context, h event.Handler, env event.Envelope, critical bool) error {
	payload, err := a.codec.Copy(env.Payload)
	if err != nil {
		a.rejected.Add(1)
		return fault.Wrap(fault.CodeInfrastructure, err, "payload cannot cross the actor boundary").
			WithStage("strategy." + a.backend).WithTopic(env.Topic)
	}
	env.Payload = payload

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrShutdown
	}
	a.inflight.Add(1)
	pool, ok := a.pools[env.SubscriptionID]
	a.mu.RUnlock()
	defer a.inflight.Done()

	if !ok {
		pool, err = a.spawn(env.SubscriptionID)
		if err != nil {
			return err
		}
	}

	msg := message{ctx: context.WithoutCancel(ctx), h: h, env: env, critical: critical}
	mailbox := pool.pick()

	if a.nested(ctx) {
		// An actor posting into a full mailbox, possibly its own, must not
		// wait on it; the post is handed off and still lands before Shutdown
		// closes the mailboxes.
		select {
		case mailbox <- msg:
		default:
			a.inflight.Add(1)
			go func() {
				defer a.inflight.Done()
				mailbox <- msg
			}()
		}
		return nil
	}

	select {
	case mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn creates the pool for a subscription, or returns the one a
// concurrent caller created first.
func (a *Actor) spawn(subID string) (*actorPool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrShutdown
	}
	if pool, ok := a.pools[subID]; ok {
		return pool, nil
	}

	pool := &actorPool{mailboxes: make([]chan message, a.actorsPerHandler)}
	for i := range pool.mailboxes {
		mailbox := make(chan message, a.mailboxSize)
		pool.mailboxes[i] = mailbox
		a.actors.Add(1)
		a.group.Go(func() error {
			defer a.actors.Add(-1)
			a.receive(mailbox)
			return nil
		})
	}
	a.pools[subID] = pool

	a.logger.Debug("actors spawned",
		"subscription_id", subID,
		"actors", len(pool.mailboxes),
	)
	return pool, nil
}

func (a *Actor) receive(mailbox <-chan message) {
	for msg := range mailbox {
		a.active.Add(1)
		if err := a.invoke(msg.ctx, msg.h, msg.env, msg.critical); halts(err, msg.critical) {
			a.escalate(msg.env, err)
		}
		a.active.Add(-1)
	}
}

// Shutdown stops accepting messages, lets every actor drain its mailbox and
// waits for all actors to exit.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.logger.Debug("strategy stopping", "backend", a.backend, "actors", a.actors.Load())

	done := make(chan struct{})
	go func() {
		// Posts that passed the closed check still land before mailboxes close.
		a.inflight.Wait()
		a.mu.Lock()
		for _, pool := range a.pools {
			for _, mb := range pool.mailboxes {
				close(mb)
			}
		}
		a.mu.Unlock()
		_ = a.group.Wait()
		a.closeFailures()
		close(done)
	}()

	if err := waitDone(ctx, done); err != nil {
		a.logger.Warn("strategy shutdown timed out",
			"backend", a.backend,
			"actors", a.actors.Load(),
			"error", err,
		)
		return err
	}
	a.logger.Debug("strategy stopped", "backend", a.backend)
	return nil
}

// Metrics implements Strategy.
func (a *Actor) Metrics() Metrics {
	m := a.snapshot()

	a.mu.RLock()
	for _, pool := range a.pools {
		for _, mb := range pool.mailboxes {
			m.QueueDepth += len(mb)
		}
	}
	a.mu.RUnlock()

	m.Actors = int(a.actors.Load())
	m.ActiveWorkers = int(a.active.Load())
	return m
}
