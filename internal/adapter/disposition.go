package adapter

import (
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

// Tag is the three-way outcome a worker returns.
type Tag int

const (
	// Continue: the worker's effect was a cache write only.
	Continue Tag = iota
	// Publish: republish Payload on Topic.
	Publish
	// Stop: the run reached its terminal record.
	Stop
)

// String returns the tag name.
func (t Tag) String() string {
	switch t {
	case Continue:
		return "CONTINUE"
	case Publish:
		return "PUBLISH"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Disposition is a worker's declared outcome for one event.
type Disposition struct {
	Tag     Tag
	Topic   string
	Payload any

	// Scope overrides the binding's publish scope when set.
	Scope *event.Scope

	// Chain is attached to a Stop when the payload does not carry one.
	Chain causality.Chain

	// Failure marks a Stop that ends the run as failed.
	Failure *fault.Error
}

// Done returns a Continue disposition.
func Done() Disposition {
	return Disposition{Tag: Continue}
}

// PublishTo returns a Publish disposition.
func PublishTo(topic string, payload any) Disposition {
	return Disposition{Tag: Publish, Topic: topic, Payload: payload}
}

// StopWith returns a Stop disposition carrying the terminal record.
func StopWith(payload any) Disposition {
	return Disposition{Tag: Stop, Payload: payload}
}

// FailWith returns a Stop disposition that ends the run as failed.
func FailWith(err *fault.Error) Disposition {
	return Disposition{Tag: Stop, Failure: err}
}
