// Package harness runs conformance scenarios against assembled pipelines.
//
// A scenario feeds a fixed list of ticks through a manifest and checks
// what every run produced. The same scenario runs unchanged on each
// execution backend; identifiers and clocks are deterministic, so every
// backend must produce the same snapshot.
//
// # Scenario Format
//
//	name: demo_three_ticks
//	description: "Three ticks through the demo pipeline"
//	manifest: pipeline.yaml          # relative to the scenario; empty = built-in demo
//	backends: [sync, threadpool]     # default: all
//	steps:
//	  - tick: {symbol: BTC, price: 100, at: 2024-03-01T12:00:00Z}
//	    expect:
//	      outcome: completed
//	      chain: [trig-1, rec-1, rec-2]
//	      side: hold
//	assertions:
//	  - type: outcome_count
//	    outcome: completed
//	    count: 3
//	  - type: journal_kinds
//	    root: trig-1
//	    kinds: [trigger, ema, signal]
//
// # Assertion Types
//
//   - outcome_count: exactly count runs ended with outcome
//   - chain_resolves: every identifier of every chain under root is journaled
//   - journal_kinds: the first chain under root resolves to kinds, in order
//   - executions: the strategy counted count executions with outcome
//
// # Deterministic Identifiers
//
// Trigger ids are trig-1, trig-2, ... and record ids rec-1, rec-2, ...
// (see testutil.Sequence). The journal is in memory and its clock starts
// at the first tick, advancing one second per written chain.
package harness
