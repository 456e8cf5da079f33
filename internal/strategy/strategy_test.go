package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

var errBoom = errors.New("boom")

type backendCase struct {
	name string
	new  func(opts ...Option) Strategy
}

func backends() []backendCase {
	return []backendCase{
		{BackendSync, func(opts ...Option) Strategy { return NewSynchronous(opts...) }},
		{BackendThreadPool, func(opts ...Option) Strategy { return NewThreadPool(opts...) }},
		{BackendActor, func(opts ...Option) Strategy { return NewActor(opts...) }},
	}
}

func envelope(topic, subID string) event.Envelope {
	return event.Envelope{Topic: topic, SubscriptionID: subID, Scope: event.Global(), Seq: 1}
}

func shutdown(t *testing.T, s Strategy) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

// Two subscribers on one topic: a failing non-critical one and a succeeding
// critical one. Exactly one failure is counted and the success still lands.
func TestStrategy_NonCriticalFailureIsCountedOnce(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()
			var ran atomic.Bool

			failing := func(context.Context, event.Envelope) error { return errBoom }
			succeeding := func(context.Context, event.Envelope) error {
				ran.Store(true)
				return nil
			}

			ctx := context.Background()
			require.NoError(t, s.Execute(ctx, failing, envelope("X", "sub-1"), false))
			require.NoError(t, s.Execute(ctx, succeeding, envelope("X", "sub-2"), true))
			shutdown(t, s)

			m := s.Metrics()
			assert.Equal(t, bc.name, m.Backend)
			assert.Equal(t, uint64(2), m.Total)
			assert.Equal(t, uint64(1), m.Failed)
			assert.Equal(t, uint64(1), m.Succeeded)
			assert.Equal(t, uint64(0), m.CriticalFailed)
			assert.True(t, ran.Load(), "critical subscriber must still run")
		})
	}
}

func TestSynchronous_CriticalFailureReRaised(t *testing.T) {
	s := NewSynchronous()
	defer shutdown(t, s)

	err := s.Execute(context.Background(), func(context.Context, event.Envelope) error {
		return errBoom
	}, envelope("X", "sub-1"), true)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, fault.Is(err, fault.CodeHandlerFailed))
	assert.Equal(t, fault.KindHandler, fault.KindOf(err))
	assert.Equal(t, uint64(1), s.Metrics().CriticalFailed)
}

func TestSynchronous_KeepsFaultCode(t *testing.T) {
	s := NewSynchronous()
	defer shutdown(t, s)

	missing := fault.New(fault.CodeMissingDependency, "missing EMAOutput")
	err := s.Execute(context.Background(), func(context.Context, event.Envelope) error {
		return missing
	}, envelope("X", "sub-1"), true)

	assert.True(t, fault.IsMissingDependency(err))
}

func TestSynchronous_RunsInline(t *testing.T) {
	s := NewSynchronous()
	defer shutdown(t, s)

	var order []int
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Execute(context.Background(), func(context.Context, event.Envelope) error {
			order = append(order, i)
			return nil
		}, envelope("X", "sub"), false))
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSynchronous_ShutdownWaitsForInlineWork(t *testing.T) {
	s := NewSynchronous()
	started := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan error, 1)

	go func() {
		returned <- s.Execute(context.Background(), func(context.Context, event.Envelope) error {
			close(started)
			<-release
			return nil
		}, envelope("X", "sub-1"), false)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, s.Execute(context.Background(), func(context.Context, event.Envelope) error {
		return nil
	}, envelope("X", "sub-2"), false), ErrShutdown, "no new work once shutdown began")
	assert.Equal(t, 1, s.Metrics().ActiveWorkers)

	close(release)
	require.NoError(t, <-returned)
	select {
	case _, open := <-s.Failures():
		assert.False(t, open, "failures channel closes once inline work returned")
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never completed")
	}
	assert.Equal(t, uint64(1), s.Metrics().Succeeded)
}

func TestAsync_CriticalFailureEscalated(t *testing.T) {
	for _, bc := range backends()[1:] {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()

			err := s.Execute(context.Background(), func(context.Context, event.Envelope) error {
				return errBoom
			}, envelope("signal.ready", "sub-9"), true)
			require.NoError(t, err, "async backends return once work is submitted")

			select {
			case cf := <-s.Failures():
				assert.Equal(t, "sub-9", cf.SubscriptionID)
				assert.Equal(t, "signal.ready", cf.Topic)
				assert.ErrorIs(t, cf, errBoom)
			case <-time.After(5 * time.Second):
				t.Fatal("critical failure was not escalated")
			}

			shutdown(t, s)
			_, open := <-s.Failures()
			assert.False(t, open, "failures channel closes on shutdown")
			assert.Equal(t, uint64(1), s.Metrics().CriticalFailed)
		})
	}
}

func TestAsync_NonCriticalFailureNotEscalated(t *testing.T) {
	for _, bc := range backends()[1:] {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()
			require.NoError(t, s.Execute(context.Background(), func(context.Context, event.Envelope) error {
				return errBoom
			}, envelope("X", "sub-1"), false))
			shutdown(t, s)

			var got []CriticalFailure
			for cf := range s.Failures() {
				got = append(got, cf)
			}
			assert.Empty(t, got)
		})
	}
}

// Configuration, missing dependency and infrastructure faults halt the run
// even when the subscription that raised them is not critical.
func TestStrategy_FatalFaultOnNonCriticalRoute(t *testing.T) {
	fatal := []*fault.Error{
		fault.New(fault.CodeUndeclaredPublication, "publication to \"x\" is not declared"),
		fault.New(fault.CodeMissingDependency, "missing EMA"),
		fault.New(fault.CodeInfrastructure, "journal unreachable"),
	}
	for _, fe := range fatal {
		t.Run(string(fe.Code), func(t *testing.T) {
			s := NewSynchronous()
			defer shutdown(t, s)

			err := s.Execute(context.Background(), func(context.Context, event.Envelope) error {
				return fe
			}, envelope("X", "sub-1"), false)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fe.Code))
			assert.Equal(t, uint64(1), s.Metrics().CriticalFailed)
		})
	}

	for _, bc := range backends()[1:] {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()
			require.NoError(t, s.Execute(context.Background(), func(context.Context, event.Envelope) error {
				return fault.New(fault.CodeUndeclaredPublication, "publication to \"x\" is not declared")
			}, envelope("signal.ready", "sub-3"), false))

			select {
			case cf := <-s.Failures():
				assert.Equal(t, "sub-3", cf.SubscriptionID)
				assert.True(t, fault.Is(cf.Err, fault.CodeUndeclaredPublication))
			case <-time.After(5 * time.Second):
				t.Fatal("fatal fault was not escalated")
			}
			shutdown(t, s)
			assert.Equal(t, uint64(1), s.Metrics().CriticalFailed)
		})
	}
}

func TestStrategy_PanicRecovered(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()
			require.NotPanics(t, func() {
				_ = s.Execute(context.Background(), func(context.Context, event.Envelope) error {
					panic("kaboom")
				}, envelope("X", "sub-1"), false)
			})
			shutdown(t, s)
			assert.Equal(t, uint64(1), s.Metrics().Failed)
		})
	}
}

func TestStrategy_ExecuteAfterShutdown(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new()
			shutdown(t, s)
			shutdown(t, s) // idempotent

			err := s.Execute(context.Background(), func(context.Context, event.Envelope) error {
				return nil
			}, envelope("X", "sub-1"), false)
			assert.ErrorIs(t, err, ErrShutdown)
		})
	}
}

func TestStrategy_ShutdownDrainsOutstandingWork(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.new(WithWorkers(2), WithActorsPerHandler(2))
			var done atomic.Int64

			for i := 0; i < 50; i++ {
				require.NoError(t, s.Execute(context.Background(), func(context.Context, event.Envelope) error {
					time.Sleep(time.Millisecond)
					done.Add(1)
					return nil
				}, envelope("X", "sub-1"), false))
			}
			shutdown(t, s)

			assert.Equal(t, int64(50), done.Load())
			assert.Equal(t, uint64(50), s.Metrics().Succeeded)
		})
	}
}

func TestThreadPool_RejectWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := NewThreadPool(WithWorkers(1), WithQueueSize(1), WithRejectWhenFull(true))

	blocking := func(context.Context, event.Envelope) error {
		close(started)
		<-release
		return nil
	}
	noop := func(context.Context, event.Envelope) error { return nil }

	require.NoError(t, p.Execute(context.Background(), blocking, envelope("X", "a"), false))
	<-started // the only worker is now busy
	require.NoError(t, p.Execute(context.Background(), noop, envelope("X", "b"), false))

	err := p.Execute(context.Background(), noop, envelope("X", "c"), false)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), p.Metrics().Rejected)
	assert.Equal(t, 1, p.Metrics().QueueDepth)

	close(release)
	shutdown(t, p)
}

func TestThreadPool_BlocksUntilSpaceOrContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := NewThreadPool(WithWorkers(1), WithQueueSize(1))

	require.NoError(t, p.Execute(context.Background(), func(context.Context, event.Envelope) error {
		close(started)
		<-release
		return nil
	}, envelope("X", "a"), false))
	<-started
	noop := func(context.Context, event.Envelope) error { return nil }
	require.NoError(t, p.Execute(context.Background(), noop, envelope("X", "b"), false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Execute(ctx, noop, envelope("X", "c"), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	shutdown(t, p)
	assert.Equal(t, uint64(2), p.Metrics().Succeeded)
}

// A handler that publishes more than the bounded queue holds, from the
// pool's only worker, still completes.
func TestThreadPool_HandlerPublishesPastFullQueue(t *testing.T) {
	p := NewThreadPool(WithWorkers(1), WithQueueSize(1))
	var handled atomic.Int64
	errs := make(chan error, 3)

	leaf := func(context.Context, event.Envelope) error {
		handled.Add(1)
		return nil
	}
	fanOut := func(ctx context.Context, _ event.Envelope) error {
		handled.Add(1)
		for _, sub := range []string{"b", "c", "d"} {
			errs <- p.Execute(ctx, leaf, envelope("Y", sub), false)
		}
		return nil
	}

	require.NoError(t, p.Execute(context.Background(), fanOut, envelope("X", "a"), false))
	require.Eventually(t, func() bool {
		return handled.Load() == 4
	}, 5*time.Second, 5*time.Millisecond, "worker deadlocked on its own queue")

	for range 3 {
		assert.NoError(t, <-errs)
	}
	shutdown(t, p)
	assert.Equal(t, uint64(4), p.Metrics().Succeeded)
}

func TestThreadPool_RunsConcurrently(t *testing.T) {
	p := NewThreadPool(WithWorkers(3))
	var wg sync.WaitGroup
	wg.Add(3)
	barrier := make(chan struct{})

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Execute(context.Background(), func(context.Context, event.Envelope) error {
			wg.Done()
			<-barrier
			return nil
		}, envelope("X", "sub"), false))
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not run concurrently")
	}
	close(barrier)
	shutdown(t, p)
}

type quote struct {
	Symbol string
	Prices []float64
}

func TestActor_PayloadIsCopied(t *testing.T) {
	a := NewActor()
	original := &quote{Symbol: "BTC", Prices: []float64{1, 2}}
	received := make(chan *quote, 1)

	require.NoError(t, a.Execute(context.Background(), func(_ context.Context, env event.Envelope) error {
		received <- env.Payload.(*quote)
		return nil
	}, event.Envelope{Topic: "X", SubscriptionID: "s", Payload: original}, false))
	shutdown(t, a)

	got := <-received
	assert.Equal(t, original, got)
	assert.NotSame(t, original, got)
	got.Prices[0] = 99
	assert.Equal(t, 1.0, original.Prices[0])
}

func TestActor_UnserializablePayloadRejected(t *testing.T) {
	a := NewActor()
	defer shutdown(t, a)

	err := a.Execute(context.Background(), func(context.Context, event.Envelope) error {
		return nil
	}, event.Envelope{Topic: "X", SubscriptionID: "s", Payload: make(chan int)}, false)

	assert.True(t, fault.Is(err, fault.CodeInfrastructure))
	assert.Equal(t, uint64(1), a.Metrics().Rejected)
}

func TestActor_PoolPerSubscription(t *testing.T) {
	a := NewActor(WithActorsPerHandler(3))
	noop := func(context.Context, event.Envelope) error { return nil }

	for _, sub := range []string{"a", "b", "a", "a"} {
		require.NoError(t, a.Execute(context.Background(), noop, envelope("X", sub), false))
	}
	assert.Equal(t, 6, a.Metrics().Actors)

	shutdown(t, a)
	assert.Equal(t, 0, a.Metrics().Actors, "every actor terminates on shutdown")
}

func TestActor_PostsToOwnFullMailbox(t *testing.T) {
	a := NewActor(WithMailboxSize(1), WithActorsPerHandler(1))
	var handled atomic.Int64
	errs := make(chan error, 3)

	var h event.Handler
	h = func(ctx context.Context, env event.Envelope) error {
		handled.Add(1)
		if env.Payload.(int) == 0 {
			return nil
		}
		for range 3 {
			errs <- a.Execute(ctx, h, event.Envelope{Topic: "X", SubscriptionID: "loop", Payload: 0}, false)
		}
		return nil
	}

	require.NoError(t, a.Execute(context.Background(), h, event.Envelope{Topic: "X", SubscriptionID: "loop", Payload: 1}, false))
	require.Eventually(t, func() bool {
		return handled.Load() == 4
	}, 5*time.Second, 5*time.Millisecond, "actor deadlocked on its own mailbox")

	for range 3 {
		assert.NoError(t, <-errs)
	}
	shutdown(t, a)
	assert.Equal(t, uint64(4), a.Metrics().Succeeded)
}

func TestActor_RoundRobin(t *testing.T) {
	pool := &actorPool{mailboxes: []chan message{make(chan message), make(chan message)}}
	first := pool.pick()
	second := pool.pick()
	third := pool.pick()

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestStrategy_TracesExecutions(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	s := NewSynchronous(WithTracer(tp.Tracer("test")))
	defer shutdown(t, s)

	_ = s.Execute(context.Background(), func(context.Context, event.Envelope) error { return nil },
		envelope("tick.ready", "sub-1"), true)
	_ = s.Execute(context.Background(), func(context.Context, event.Envelope) error { return errBoom },
		envelope("tick.ready", "sub-2"), false)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "conduit.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("conduit.subscription_id", "sub-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("conduit.critical", true))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestNew_SelectsBackend(t *testing.T) {
	for _, name := range []string{BackendSync, BackendThreadPool, BackendActor} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend = name
			s, err := New(cfg)
			require.NoError(t, err)
			defer shutdown(t, s)
			assert.Equal(t, name, s.Metrics().Backend)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "ray"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid strategy backend")

	cfg = DefaultConfig()
	cfg.Workers = -1
	assert.Error(t, cfg.Validate())
}
