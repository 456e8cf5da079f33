package strategy

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

// invoker is the part every backend shares: tracing, panic recovery,
// counters and the critical-failure channel.
type invoker struct {
	backend string
	settings

	total          atomic.Uint64
	succeeded      atomic.Uint64
	failed         atomic.Uint64
	criticalFailed atomic.Uint64
	rejected       atomic.Uint64
	dropped        atomic.Uint64

	failMu   sync.Mutex
	failures chan CriticalFailure
	closed   bool
}

func newInvoker(backend string, s settings) *invoker {
	return &invoker{
		backend:  backend,
		settings: s,
		failures: make(chan CriticalFailure, s.failureBuffer),
	}
}

// nestedKey marks a context handed to a handler by an invoker. The value is
// that invoker.
type nestedKey struct{}

// nested reports whether ctx belongs to a handler running on this invoker,
// i.e. whether the caller is publishing from inside a delivery.
func (in *invoker) nested(ctx context.Context) bool {
	owner, _ := ctx.Value(nestedKey{}).(*invoker)
	return owner == in
}

// halts reports whether a failure aborts the run: the subscription is
// critical, or the fault is fatal whatever the subscription.
func halts(err error, critical bool) bool {
	return err != nil && (critical || fault.IsFatal(err))
}

// invoke runs h once and returns its failure, if any, as a *fault.Error.
// Counters are updated for every outcome.
func (in *invoker) invoke(ctx context.Context, h event.Handler, env event.Envelope, critical bool) error {
	in.total.Add(1)
	ctx = context.WithValue(ctx, nestedKey{}, in)

	ctx, span := in.tracer.Start(ctx, "conduit.execute",
		trace.WithAttributes(
			attribute.String("conduit.backend", in.backend),
			attribute.String("conduit.topic", env.Topic),
			attribute.String("conduit.subscription_id", env.SubscriptionID),
			attribute.Int64("conduit.seq", env.Seq),
			attribute.Bool("conduit.critical", critical),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	err := in.call(ctx, h, env)
	if err == nil {
		in.succeeded.Add(1)
		span.SetStatus(codes.Ok, "")
		return nil
	}

	fatal := halts(err, critical)
	in.failed.Add(1)
	if fatal {
		in.criticalFailed.Add(1)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	level := slog.LevelWarn
	if fatal {
		level = slog.LevelError
	}
	in.logger.Log(ctx, level, "handler failed",
		"backend", in.backend,
		"topic", env.Topic,
		"subscription_id", env.SubscriptionID,
		"seq", env.Seq,
		"critical", critical,
		"halts_run", fatal,
		"error", err,
	)
	return err
}

// call runs the handler, converting panics and foreign errors to faults.
func (in *invoker) call(ctx context.Context, h event.Handler, env event.Envelope) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("handler panicked",
				"topic", env.Topic,
				"subscription_id", env.SubscriptionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			retErr = fault.New(fault.CodeHandlerFailed, "panic: %v", r).
				WithStage("strategy." + in.backend).WithTopic(env.Topic)
		}
	}()

	err := h(ctx, env)
	if err == nil {
		return nil
	}
	// Runtime faults raised by adapters keep their code.
	if _, ok := fault.As(err); ok {
		return err
	}
	return fault.Wrap(fault.CodeHandlerFailed, err, "handler returned an error").
		WithStage("strategy." + in.backend).WithTopic(env.Topic)
}

// escalate sends a critical failure without blocking. A full channel drops
// the failure and counts it.
func (in *invoker) escalate(env event.Envelope, err error) {
	cf := CriticalFailure{
		SubscriptionID: env.SubscriptionID,
		Topic:          env.Topic,
		Seq:            env.Seq,
		Err:            err,
		At:             in.now(),
	}

	in.failMu.Lock()
	defer in.failMu.Unlock()
	if in.closed {
		in.dropped.Add(1)
		return
	}
	select {
	case in.failures <- cf:
	default:
		in.dropped.Add(1)
		in.logger.Error("critical failure dropped, escalation channel full",
			"topic", env.Topic,
			"subscription_id", env.SubscriptionID,
			"error", err,
		)
	}
}

func (in *invoker) closeFailures() {
	in.failMu.Lock()
	defer in.failMu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.failures)
}

// Failures implements Strategy.
func (in *invoker) Failures() <-chan CriticalFailure {
	return in.failures
}

func (in *invoker) snapshot() Metrics {
	return Metrics{
		Backend:         in.backend,
		Total:           in.total.Load(),
		Succeeded:       in.succeeded.Load(),
		Failed:          in.failed.Load(),
		CriticalFailed:  in.criticalFailed.Load(),
		Rejected:        in.rejected.Load(),
		DroppedFailures: in.dropped.Load(),
	}
}
