package cache

import "reflect"

// TypeOf returns the cache key for records of type T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TypesOf is a convenience for building required-type lists.
func TypesOf(samples ...any) []reflect.Type {
	out := make([]reflect.Type, len(samples))
	for i, s := range samples {
		out[i] = reflect.TypeOf(s)
	}
	return out
}

// Lookup is the check-then-fetch accessor for optional dependencies.
// It never fails; ok is false when no run is open or no T is stored.
func Lookup[T any](c *Cache, p Partition) (T, bool) {
	var zero T
	t := TypeOf[T]()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.anchor == nil {
		return zero, false
	}
	rec, ok := c.partitions[p][t]
	if !ok {
		return zero, false
	}
	v, ok := rec.(T)
	return v, ok
}

// Get extracts a record of type T from a resolved Records map.
func Get[T any](records Records) (T, bool) {
	var zero T
	rec, ok := records[TypeOf[T]()]
	if !ok {
		return zero, false
	}
	v, ok := rec.(T)
	return v, ok
}
