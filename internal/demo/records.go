// Package demo is a small tick → EMA → signal pipeline. It backs the CLI
// run command and the end-to-end runtime tests.
package demo

import (
	"time"

	"github.com/roach88/conduit/internal/causality"
)

// Tick is the external trigger: one price observation.
type Tick struct {
	Symbol    string    `json:"symbol" msgpack:"symbol"`
	Price     float64   `json:"price" msgpack:"price"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// EMA is the smoothed price after a tick.
type EMA struct {
	ID     string          `json:"id" msgpack:"id"`
	Symbol string          `json:"symbol" msgpack:"symbol"`
	Value  float64         `json:"value" msgpack:"value"`
	Chain  causality.Chain `json:"chain" msgpack:"chain"`
}

// Causality implements causality.Traceable.
func (e EMA) Causality() causality.Chain { return e.Chain }

// Side is a trading decision.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
	Hold Side = "hold"
)

// Signal is the terminal record of a run.
type Signal struct {
	ID     string          `json:"id" msgpack:"id"`
	Symbol string          `json:"symbol" msgpack:"symbol"`
	Side   Side            `json:"side" msgpack:"side"`
	Price  float64         `json:"price" msgpack:"price"`
	EMA    float64         `json:"ema" msgpack:"ema"`
	Chain  causality.Chain `json:"chain" msgpack:"chain"`
}

// Causality implements causality.Traceable.
func (s Signal) Causality() causality.Chain { return s.Chain }
