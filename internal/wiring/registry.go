package wiring

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Factory builds one worker instance. id is the manifest worker id.
type Factory func(id string) (any, error)

// Registry maps manifest names to Go record types and worker factories.
type Registry struct {
	mu      sync.RWMutex
	records map[string]reflect.Type
	workers map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]reflect.Type),
		workers: make(map[string]Factory),
	}
}

// RegisterRecord names the record type T. Registering the same name twice
// fails unless it names the same type.
func RegisterRecord[T any](r *Registry, name string) error {
	name = normalize(name)
	if name == "" {
		return fmt.Errorf("register record: name is required")
	}
	t := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[name]; ok && existing != t {
		return fmt.Errorf("register record %q: already bound to %s", name, existing)
	}
	r.records[name] = t
	return nil
}

// RegisterWorker binds a worker kind to its factory.
func (r *Registry) RegisterWorker(kind string, f Factory) error {
	kind = normalize(kind)
	if kind == "" || f == nil {
		return fmt.Errorf("register worker: kind and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[kind]; ok {
		return fmt.Errorf("register worker %q: already registered", kind)
	}
	r.workers[kind] = f
	return nil
}

// RecordType returns the type registered under name.
func (r *Registry) RecordType(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.records[normalize(name)]
	return t, ok
}

// Records lists registered record names, sorted.
func (r *Registry) Records() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.records)
}

// Kinds lists registered worker kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.workers)
}

func (r *Registry) factory(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.workers[normalize(kind)]
	return f, ok
}

// normalize puts names in NFC so visually identical topics compare equal.
func normalize(s string) string {
	return norm.NFC.String(s)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
