package wiring

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

// Plan is a resolved manifest: worker instances with their bindings, ready
// for assembly.
type Plan struct {
	Workers        []WorkerPlan
	Triggers       map[string]string
	TerminalTopics []string

	// OutputContracts maps worker ids to their declared output types, for
	// the cache's strict mode.
	OutputContracts map[string][]reflect.Type
}

// WorkerPlan is one resolved worker.
type WorkerPlan struct {
	Kind    string
	Worker  any
	Binding adapter.Binding
}

// Partitions lists every partition named by a worker, sorted.
func (p *Plan) Partitions() []cache.Partition {
	set := make(map[cache.Partition]bool)
	for _, w := range p.Workers {
		if w.Binding.Partition != cache.DefaultPartition {
			set[w.Binding.Partition] = true
		}
		if rp := w.Binding.ReadPartition; rp != nil && *rp != cache.DefaultPartition {
			set[*rp] = true
		}
	}
	out := make([]cache.Partition, 0, len(set))
	for part := range set {
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var handlerType = reflect.TypeOf((adapter.HandlerFunc)(nil))

// Resolve checks m against reg and builds the plan, failing on the first
// problem. Use Check to collect every problem.
func Resolve(m *Manifest, reg *Registry) (*Plan, error) {
	r := &resolver{reg: reg}
	plan := r.resolve(m)
	if len(r.problems) > 0 {
		return nil, r.problems[0]
	}
	return plan, nil
}

// Check reports every problem in m without building workers.
func Check(m *Manifest, reg *Registry) []*fault.Error {
	r := &resolver{reg: reg, dryRun: true}
	r.resolve(m)
	return r.problems
}

type resolver struct {
	reg      *Registry
	dryRun   bool
	problems []*fault.Error
}

func (r *resolver) problem(code fault.Code, worker, topic, format string, args ...any) {
	r.problems = append(r.problems,
		fault.New(code, format, args...).WithStage("wiring").WithWorker(worker).WithTopic(topic))
}

func (r *resolver) resolve(m *Manifest) *Plan {
	if m == nil {
		r.problem(fault.CodeWiringInvalid, "", "", "manifest is empty")
		return nil
	}
	if len(m.Workers) == 0 {
		r.problem(fault.CodeWiringInvalid, "", "", "manifest declares no workers")
	}

	plan := &Plan{
		Triggers:        make(map[string]string, len(m.Triggers)),
		OutputContracts: make(map[string][]reflect.Type),
	}

	subscribed := make(map[string]bool)
	for _, spec := range m.Workers {
		for _, sub := range spec.Subscribes {
			subscribed[normalize(sub.Topic)] = true
		}
	}

	ids := make(map[string]bool, len(m.Workers))
	for _, spec := range m.Workers {
		id := normalize(spec.ID)
		if ids[id] {
			r.problem(fault.CodeWiringInvalid, id, "", "duplicate worker id")
			continue
		}
		ids[id] = true

		wp, ok := r.resolveWorker(spec)
		if !ok {
			continue
		}
		if outputs := r.types(id, "output", spec.Outputs); len(outputs) > 0 {
			plan.OutputContracts[id] = outputs
		}
		plan.Workers = append(plan.Workers, wp)
	}

	if len(m.Triggers) == 0 {
		r.problem(fault.CodeWiringInvalid, "", "", "manifest declares no triggers")
	}
	for _, ext := range sortedKeys(m.Triggers) {
		external, internal := normalize(ext), normalize(m.Triggers[ext])
		if internal == "" || external == internal {
			r.problem(fault.CodeWiringInvalid, "", external, "trigger must route to a different internal topic")
			continue
		}
		if !subscribed[internal] {
			r.problem(fault.CodeWiringInvalid, "", internal, "trigger routes to a topic no worker subscribes")
		}
		plan.Triggers[external] = internal
	}

	for _, topic := range m.TerminalTopics {
		plan.TerminalTopics = append(plan.TerminalTopics, normalize(topic))
	}

	for _, cycle := range findCycles(buildTopicGraph(m.Workers)) {
		r.problem(fault.CodeWiringCycle, "", cycle[0], "topic cycle %s", formatPath(cycle))
	}
	return plan
}

func (r *resolver) resolveWorker(spec WorkerSpec) (WorkerPlan, bool) {
	id := normalize(spec.ID)
	before := len(r.problems)

	if id == "" {
		r.problem(fault.CodeWiringInvalid, "", "", "worker without an id")
		return WorkerPlan{}, false
	}
	kind := normalize(spec.Kind)
	factory, ok := r.reg.factory(kind)
	if !ok {
		r.problem(fault.CodeWiringInvalid, id, "", "unknown worker kind %q", kind)
		return WorkerPlan{}, false
	}

	binding := adapter.Binding{
		WorkerID:  id,
		Requires:  r.types(id, "required", spec.Requires),
		Routes:    make(map[string]adapter.Route, len(spec.Subscribes)),
		Allowed:   make(map[string]bool, len(spec.Publishes)),
		Partition: cache.Partition(normalize(spec.Partition)),
	}
	if spec.ReadPartition != "" {
		rp := cache.Partition(normalize(spec.ReadPartition))
		binding.ReadPartition = &rp
	}
	binding.Scope = r.scope(id, "scope", spec.Scope)
	binding.PublishScope = r.scope(id, "publish_scope", spec.PublishScope)
	for _, topic := range spec.Publishes {
		binding.Allowed[normalize(topic)] = true
	}

	var worker any
	if !r.dryRun {
		w, err := factory(id)
		if err != nil {
			r.problems = append(r.problems, fault.Wrap(fault.CodeWiringInvalid, err, "build worker %q", kind).
				WithStage("wiring").WithWorker(id))
			return WorkerPlan{}, false
		}
		worker = w
	}

	if len(spec.Subscribes) == 0 {
		r.problem(fault.CodeWiringInvalid, id, "", "worker subscribes to no topics")
	}
	for _, sub := range spec.Subscribes {
		topic := normalize(sub.Topic)
		if topic == "" {
			r.problem(fault.CodeWiringInvalid, id, "", "subscription without a topic")
			continue
		}
		if _, dup := binding.Routes[topic]; dup {
			r.problem(fault.CodeWiringInvalid, id, topic, "topic subscribed twice")
			continue
		}
		route := adapter.Route{Critical: sub.Critical, Method: sub.Handler}
		if !r.dryRun {
			h, err := lookupHandler(worker, sub.Handler)
			if err != nil {
				r.problems = append(r.problems, fault.Wrap(fault.CodeWiringInvalid, err, "resolve handler").
					WithStage("wiring").WithWorker(id).WithTopic(topic))
				continue
			}
			route.Handle = h
		}
		binding.Routes[topic] = route
	}

	if len(r.problems) > before {
		return WorkerPlan{}, false
	}
	return WorkerPlan{Kind: kind, Worker: worker, Binding: binding}, true
}

func (r *resolver) types(worker, role string, names []string) []reflect.Type {
	out := make([]reflect.Type, 0, len(names))
	for _, name := range names {
		t, ok := r.reg.RecordType(name)
		if !ok {
			r.problem(fault.CodeWiringInvalid, worker, "", "unknown %s record type %q", role, normalize(name))
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *resolver) scope(worker, field, raw string) event.Scope {
	s, err := event.ParseScope(raw)
	if err != nil {
		r.problem(fault.CodeWiringInvalid, worker, "", "%s: %v", field, err)
		return event.Global()
	}
	return s
}

// lookupHandler finds method name on worker and checks it has the handler
// signature. The check runs once, at assembly.
func lookupHandler(worker any, name string) (adapter.HandlerFunc, error) {
	if name == "" {
		return nil, errors.New("handler name is required")
	}
	m := reflect.ValueOf(worker).MethodByName(name)
	if !m.IsValid() {
		return nil, fmt.Errorf("%T has no exported method %s", worker, name)
	}
	if !m.Type().ConvertibleTo(handlerType) {
		return nil, fmt.Errorf("%T.%s has signature %s, want func(context.Context, adapter.Input) (adapter.Disposition, error)",
			worker, name, m.Type())
	}
	return m.Convert(handlerType).Interface().(adapter.HandlerFunc), nil
}
