// Package cache holds the typed, partitioned records of the run in flight.
//
// Records are keyed by their Go type inside a partition. A RunAnchor pins
// the run to one timestamp and one root chain so every stage of the pipeline
// observes the same point in time.
package cache
