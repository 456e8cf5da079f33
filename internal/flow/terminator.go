package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/conduit/internal/bus"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/journal"
)

// Journal is the audit collaborator the Terminator resolves chains against.
type Journal interface {
	Resolve(ctx context.Context, id string) (journal.Entry, error)
	WriteChain(ctx context.Context, fields []causality.Field) error
}

// Outcome is the result of one terminated run.
type Outcome struct {
	Termination Termination
	Anchor      cache.RunAnchor
	Chain       causality.Chain
	Entries     []journal.Entry

	// Err is set when the chain could not be resolved or written.
	Err error
}

// Terminator closes runs on terminal signals.
//
// Every signal for one run id is handled at most once, however many
// arrive and from however many goroutines.
type Terminator struct {
	cache    *cache.Cache
	journal  Journal
	logger   *slog.Logger
	finished []func(Outcome)

	mu      sync.Mutex
	lastRun string

	subMu sync.Mutex
	subs  []bus.SubscriptionID
	sub   Subscriber
}

// TerminatorOption configures a Terminator.
type TerminatorOption func(*Terminator)

// WithTerminatorLogger sets the structured logger.
func WithTerminatorLogger(logger *slog.Logger) TerminatorOption {
	return func(t *Terminator) { t.logger = logger }
}

// WithOnFinished adds a callback receiving every run outcome.
func WithOnFinished(fn func(Outcome)) TerminatorOption {
	return func(t *Terminator) { t.finished = append(t.finished, fn) }
}

// NewTerminator creates a terminator. A nil journal skips resolution.
func NewTerminator(c *cache.Cache, j Journal, opts ...TerminatorOption) *Terminator {
	t := &Terminator{
		cache:   c,
		journal: j,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind subscribes to terminal topics. A delivered payload may be a
// Termination or the terminal record itself.
func (t *Terminator) Bind(s Subscriber, topics ...string) error {
	for _, topic := range topics {
		id, err := s.Subscribe(topic, t.onEvent, event.Global(), true)
		if err != nil {
			return fmt.Errorf("bind terminal topic %s: %w", topic, err)
		}
		t.subMu.Lock()
		t.subs = append(t.subs, id)
		t.sub = s
		t.subMu.Unlock()
	}
	return nil
}

func (t *Terminator) onEvent(ctx context.Context, env event.Envelope) error {
	if term, ok := env.Payload.(Termination); ok {
		if term.Topic == "" {
			term.Topic = env.Topic
		}
		return t.OnTermination(ctx, term)
	}
	return t.OnTermination(ctx, Termination{Topic: env.Topic, Payload: env.Payload})
}

// OnTermination resolves the run's chain, writes it and clears the cache.
//
// Signals arriving with no open run, for a run that was already closed, or
// naming a different run than the open one are ignored. A journal failure
// is an infrastructure fault: the cache is still cleared and the fault is
// returned.
func (t *Terminator) OnTermination(ctx context.Context, term Termination) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	anchor, err := t.cache.RunAnchor()
	if err != nil {
		t.logger.Debug("terminal signal without an open run", "topic", term.Topic, "run_id", term.RunID)
		return nil
	}
	if term.RunID != "" && term.RunID != anchor.RunID {
		t.logger.Warn("terminal signal for another run ignored",
			"run_id", term.RunID,
			"active_run_id", anchor.RunID,
		)
		return nil
	}
	if t.lastRun == anchor.RunID {
		return nil
	}
	t.lastRun = anchor.RunID
	term.RunID = anchor.RunID

	chain := chainFor(term, anchor)
	entries, err := t.resolve(ctx, chain)
	t.cache.Clear()

	out := Outcome{Termination: term, Anchor: anchor, Chain: chain, Entries: entries, Err: err}
	t.report(out)
	for _, fn := range t.finished {
		fn(out)
	}
	return err
}

func (t *Terminator) resolve(ctx context.Context, chain causality.Chain) ([]journal.Entry, error) {
	if t.journal == nil {
		return nil, nil
	}

	fields := chain.Fields()
	entries := make([]journal.Entry, 0, len(fields))
	for _, f := range fields {
		e, err := t.journal.Resolve(ctx, f.Value)
		if err != nil {
			msg := "resolve %s=%s"
			if errors.Is(err, journal.ErrNotFound) {
				msg = "unknown identifier %s=%s"
			}
			return entries, fault.Wrap(fault.CodeInfrastructure, err, msg, f.Name, f.Value).WithStage("terminator")
		}
		entries = append(entries, e)
	}

	if err := t.journal.WriteChain(ctx, fields); err != nil {
		return entries, fault.Wrap(fault.CodeInfrastructure, err, "write chain").WithStage("terminator")
	}
	return entries, nil
}

func (t *Terminator) report(out Outcome) {
	term := out.Termination
	attrs := []any{
		"run_id", term.RunID,
		"worker_id", term.WorkerID,
		"topic", term.Topic,
		"chain", out.Chain.String(),
	}
	switch {
	case out.Err != nil:
		t.logger.Error("run closed without a resolved chain", append(attrs, "error", out.Err)...)
	case term.Failed():
		t.logger.Error(term.Reason(), attrs...)
	default:
		t.logger.Info("run completed", attrs...)
	}
}

// Shutdown unsubscribes every terminal topic. It never fails.
func (t *Terminator) Shutdown() {
	t.subMu.Lock()
	subs, s := t.subs, t.sub
	t.subs = nil
	t.subMu.Unlock()

	if s == nil {
		return
	}
	for _, id := range subs {
		s.Unsubscribe(id)
	}
}

// chainFor picks the chain of the terminal record: the one on the signal,
// then one carried by the payload, then the run's root.
func chainFor(term Termination, anchor cache.RunAnchor) causality.Chain {
	if term.Chain.Valid() {
		return term.Chain
	}
	switch p := term.Payload.(type) {
	case causality.Traceable:
		if c := p.Causality(); c.Valid() {
			return c
		}
	case causality.Chain:
		if p.Valid() {
			return p
		}
	}
	return anchor.Root
}
