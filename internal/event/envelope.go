// Package event holds the types shared by the bus and the execution
// strategies: the delivered envelope, the handler signature and scopes.
package event

import (
	"context"
	"time"
)

// Envelope is one delivery of a published payload to one subscription.
type Envelope struct {
	// Topic the payload was published on.
	Topic string

	// Payload is opaque to the bus.
	Payload any

	// Scope the payload was published with.
	Scope Scope

	// Seq is the bus-wide logical sequence of the publish. All envelopes of
	// one publish share it.
	Seq int64

	// PublishedAt is the wall-clock time of the publish, for diagnostics only.
	// Ordering always uses Seq.
	PublishedAt time.Time

	// SubscriptionID identifies the receiving subscription.
	SubscriptionID string
}

// Handler receives envelopes. A returned error is a handler failure; whether
// it halts the run depends on the subscription's critical flag.
type Handler func(ctx context.Context, env Envelope) error
