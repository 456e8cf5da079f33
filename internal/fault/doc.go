// Package fault defines the error taxonomy shared by every conduit component.
//
// Errors carry a Code, and every Code belongs to one Kind:
//
//   - configuration: wiring mistakes (unroutable events, undeclared
//     publications, invalid causality, double run start). Never retried.
//   - missing_dependency: a required record was absent when a worker was
//     about to run. Halts the run.
//   - handler: a worker failed. Critical subscriptions halt the run,
//     non-critical ones are counted and suppressed by the strategy.
//   - infrastructure: an external collaborator failed. Halts the run and
//     clears the cache.
//
// Use Is, KindOf and As instead of type switches so wrapped errors match.
package fault
