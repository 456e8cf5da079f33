package strategy

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied when a size is left at zero.
const (
	DefaultWorkers          = 4
	DefaultActorsPerHandler = 2
	DefaultMailboxSize      = 64
	DefaultFailureBuffer    = 64
)

// tracerName is the instrumentation scope of execution spans.
const tracerName = "github.com/roach88/conduit/internal/strategy"

// Option configures a backend. Options that do not apply to a backend are
// ignored by it.
type Option func(*settings)

type settings struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	failureBuffer int

	workers        int
	queueSize      int
	rejectWhenFull bool

	actorsPerHandler int
	mailboxSize      int
	codec            Codec
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:           discardLogger(),
		tracer:           otel.Tracer(tracerName),
		now:              time.Now,
		failureBuffer:    DefaultFailureBuffer,
		workers:          DefaultWorkers,
		actorsPerHandler: DefaultActorsPerHandler,
		mailboxSize:      DefaultMailboxSize,
		codec:            MsgpackCodec{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer used for execution spans (default: the global
// otel tracer provider).
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithFailureBuffer sizes the critical-failure channel.
func WithFailureBuffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.failureBuffer = n
		}
	}
}

// WithWorkers sets the thread-pool size.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize bounds the thread-pool queue. Zero means unbounded.
func WithQueueSize(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.queueSize = n
		}
	}
}

// WithRejectWhenFull makes a full bounded queue reject with ErrQueueFull
// instead of blocking the publisher.
func WithRejectWhenFull(reject bool) Option {
	return func(s *settings) { s.rejectWhenFull = reject }
}

// WithActorsPerHandler sets the size of each subscription's actor pool.
func WithActorsPerHandler(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.actorsPerHandler = n
		}
	}
}

// WithMailboxSize sets the buffer of each actor mailbox.
func WithMailboxSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithCodec replaces the payload codec of the actor backend.
func WithCodec(c Codec) Option {
	return func(s *settings) {
		if c != nil {
			s.codec = c
		}
	}
}
