package adapter

import (
	"reflect"

	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/event"
)

// Input is what a handler receives: the delivery, the validated required
// records and the anchor of the run.
type Input struct {
	Envelope event.Envelope
	Records  cache.Records
	Anchor   cache.RunAnchor
	WorkerID string

	cache *cache.Cache
	write cache.Partition
	read  cache.Partition
}

// Set stores rec as the worker's result in its write partition. The write
// fails with NO_ACTIVE_RUN once the delivering run has closed.
func (in Input) Set(rec any) error {
	return in.cache.SetResultRecordFor(in.Anchor.RunID, in.WorkerID, rec, in.write)
}

// Has looks up an optional record in the read partition.
func (in Input) Has(t reflect.Type) bool {
	return in.cache.HasRecord(t, in.read)
}

// Partition returns the write partition.
func (in Input) Partition() cache.Partition {
	return in.write
}

// Record returns a record of type T: a required record when declared,
// otherwise an optional one looked up in the read partition.
func Record[T any](in Input) (T, bool) {
	if v, ok := cache.Get[T](in.Records); ok {
		return v, true
	}
	if in.cache == nil {
		var zero T
		return zero, false
	}
	return cache.Lookup[T](in.cache, in.read)
}
