package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/journal/memory"
	"github.com/roach88/conduit/internal/runtime"
	"github.com/roach88/conduit/internal/telemetry"
	"github.com/roach88/conduit/internal/testutil"
	"github.com/roach88/conduit/internal/wiring"
)

// FailingKind names a worker kind whose Handle always fails with
// ErrInjected. Scenarios wire it to exercise run halting.
const FailingKind = "failing"

// ErrInjected is returned by every FailingKind handler.
var ErrInjected = errors.New("injected failure")

type failingWorker struct{}

func (failingWorker) Handle(context.Context, adapter.Input) (adapter.Disposition, error) {
	return adapter.Disposition{}, ErrInjected
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	timeout time.Duration
}

// WithLogger sets the runtime logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRunTimeout bounds how long a step waits for its run to terminate.
func WithRunTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Run executes s on backend against a fresh in-memory journal.
//
// An error means the scenario could not be executed at all; failed
// expectations and assertions are reported in the result.
func Run(ctx context.Context, s *Scenario, backend string, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.DiscardHandler), timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	clock := testutil.NewClock(s.Steps[0].Tick.At, time.Second)
	j := memory.New(memory.WithNow(clock.Now))
	defer j.Close()

	plan, err := resolve(s, j)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Strategy.Backend = backend
	cfg.Journal = config.JournalConfig{Backend: config.JournalMemory}
	cfg.Cache.AutoClear = s.AutoClear

	outcomes := make(chan flow.Outcome, len(s.Steps)+1)
	rt, err := runtime.New(cfg, plan, j,
		runtime.WithLogger(o.logger),
		runtime.WithTriggerIDs(testutil.NewSequence("trig")),
		runtime.WithOnFinished(func(out flow.Outcome) {
			select {
			case outcomes <- out:
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start runtime: %w", err)
	}

	result := NewResult(s.Name, backend)
	d := &driver{rt: rt, outcomes: outcomes, abandoned: make(map[string]bool)}
	for i, step := range s.Steps {
		topic := step.Topic
		if topic == "" {
			topic = s.Trigger
		}
		tick := demo.Tick{Symbol: step.Tick.Symbol, Price: step.Tick.Price, Timestamp: step.Tick.At.UTC()}

		rec := d.drive(ctx, topic, tick, o.timeout)
		rec.Step = i + 1
		result.Runs = append(result.Runs, rec)
		if step.Expect != nil {
			checkExpect(result, rec, *step.Expect)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		result.AddError("shutdown: %v", err)
	}
	result.Metrics = rt.Metrics()

	actx := &AssertionContext{Ctx: ctx, Journal: j, Runs: result.Runs, Metrics: result.Metrics}
	for _, msg := range EvaluateAssertions(s.Assertions, actx) {
		result.AddError("%s", msg)
	}
	return result, nil
}

// RunAll runs s on each of its backends in order.
func RunAll(ctx context.Context, s *Scenario, opts ...Option) ([]*Result, error) {
	results := make([]*Result, 0, len(s.Backends))
	for _, backend := range s.Backends {
		r, err := Run(ctx, s, backend, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", backend, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// resolve builds the plan of s over the demo kinds plus FailingKind.
// Record ids come from one rec-N sequence shared by all workers.
func resolve(s *Scenario, j *memory.Journal) (*wiring.Plan, error) {
	reg := wiring.NewRegistry()
	demoOpts := demo.DefaultOptions()
	demoOpts.IDs = testutil.NewSequence("rec")
	if err := demo.Register(reg, j, demoOpts); err != nil {
		return nil, err
	}
	if err := reg.RegisterWorker(FailingKind, func(string) (any, error) { return failingWorker{}, nil }); err != nil {
		return nil, err
	}

	var (
		m   *wiring.Manifest
		err error
	)
	if s.Manifest == "" {
		m, err = demo.Manifest()
	} else {
		m, err = wiring.LoadFile(s.Manifest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return wiring.Resolve(m, reg)
}

// driver pairs each triggered run with its own outcome. Runs recorded as
// open are abandoned: their outcomes never answer a later step.
type driver struct {
	rt        *runtime.Runtime
	outcomes  <-chan flow.Outcome
	abandoned map[string]bool
}

// drive triggers one run and waits for its outcome.
func (d *driver) drive(ctx context.Context, topic string, tick demo.Tick, timeout time.Duration) RunRecord {
	// Anything buffered now answers an earlier step.
	for drained := false; !drained; {
		select {
		case <-d.outcomes:
		default:
			drained = true
		}
	}

	if err := d.rt.Trigger(ctx, topic, tick); err != nil {
		for {
			select {
			case out := <-d.outcomes:
				if d.abandoned[out.Termination.RunID] {
					continue
				}
				return recordOf(out)
			default:
				return RunRecord{Outcome: OutcomeRejected, Reason: err.Error()}
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case out := <-d.outcomes:
			if d.abandoned[out.Termination.RunID] {
				continue
			}
			return recordOf(out)
		case <-timer.C:
			return d.abandon(RunRecord{Outcome: OutcomeOpen, Reason: fmt.Sprintf("run did not terminate within %s", timeout)})
		case <-ctx.Done():
			return d.abandon(RunRecord{Outcome: OutcomeOpen, Reason: ctx.Err().Error()})
		}
	}
}

func (d *driver) abandon(rec RunRecord) RunRecord {
	if anchor, err := d.rt.Cache().RunAnchor(); err == nil {
		rec.RunID = anchor.RunID
		d.abandoned[anchor.RunID] = true
	}
	return rec
}

func recordOf(out flow.Outcome) RunRecord {
	term := out.Termination
	rec := RunRecord{RunID: term.RunID}
	switch {
	case out.Err != nil:
		rec.Outcome = telemetry.OutcomeUnresolved
		rec.Reason = out.Err.Error()
	case term.Failed():
		rec.Outcome = telemetry.OutcomeFailed
		rec.Reason = term.Reason()
	default:
		rec.Outcome = telemetry.OutcomeCompleted
		rec.Chain = out.Chain.IDs()
		if sig, ok := term.Payload.(demo.Signal); ok {
			rec.Side = string(sig.Side)
		}
	}
	return rec
}

func checkExpect(result *Result, rec RunRecord, want Expect) {
	if rec.Outcome != want.Outcome {
		result.AddError("step %d: expected outcome %s, got %s (%s)", rec.Step, want.Outcome, rec.Outcome, rec.Reason)
		return
	}
	if want.Chain != nil && !slices.Equal(rec.Chain, want.Chain) {
		result.AddError("step %d: expected chain %v, got %v", rec.Step, want.Chain, rec.Chain)
	}
	if want.Side != "" && rec.Side != want.Side {
		result.AddError("step %d: expected side %s, got %s", rec.Step, want.Side, rec.Side)
	}
	if want.Reason != "" && !strings.Contains(rec.Reason, want.Reason) {
		result.AddError("step %d: reason %q does not mention %q", rec.Step, rec.Reason, want.Reason)
	}
}
