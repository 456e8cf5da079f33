// Package wiring turns a declarative manifest into the pre-resolved
// bindings the runtime assembles adapters from.
//
// A manifest names workers by kind, the record types they require and
// produce by registered name, and their handlers by method name. Resolve
// checks every name against a Registry once, normalizes topic and type
// names to NFC, and rejects topic graphs with cycles. Nothing in the core
// packages parses manifests.
//
// Manifests are YAML or CUE. CUE manifests are unified with an embedded
// schema before decoding, so structural mistakes carry source positions.
package wiring
