package flow

import (
	"context"
	"fmt"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/fault"
)

// Termination is the terminal signal of a run: a worker's STOP disposition,
// or a halt raised by the supervisor after a critical failure.
type Termination struct {
	RunID    string
	WorkerID string
	Topic    string
	Payload  any

	// Chain is the causality chain of the terminal record, when known.
	Chain causality.Chain

	// Failure is set when the run halted instead of completing.
	Failure *fault.Error
}

// Failed reports whether the run halted on an error.
func (t Termination) Failed() bool {
	return t.Failure != nil
}

// Reason renders "run failed at stage X because Y" for failed runs.
func (t Termination) Reason() string {
	if t.Failure == nil {
		return fmt.Sprintf("run %s completed at %s", t.RunID, t.Topic)
	}
	stage := t.Failure.Stage
	if stage == "" {
		stage = t.Topic
	}
	return fmt.Sprintf("run %s failed at stage %s because %s", t.RunID, stage, t.Failure.Error())
}

// TerminationListener receives terminal signals.
type TerminationListener interface {
	OnTermination(ctx context.Context, t Termination) error
}

// ListenerFunc adapts a function to TerminationListener.
type ListenerFunc func(ctx context.Context, t Termination) error

// OnTermination implements TerminationListener.
func (f ListenerFunc) OnTermination(ctx context.Context, t Termination) error {
	return f(ctx, t)
}
