package wiring

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/event"
	"github.com/roach88/conduit/internal/fault"
)

type Tick struct{ Price float64 }
type EMA struct{ Value float64 }
type Signal struct{ Side string }

type emaWorker struct{ id string }

func (w *emaWorker) OnTick(_ context.Context, in adapter.Input) (adapter.Disposition, error) {
	return adapter.PublishTo("ema.ready", EMA{Value: 1}), nil
}

// Wrong shape on purpose.
func (w *emaWorker) Reset() {}

type signalWorker struct{}

func (signalWorker) OnEMA(context.Context, adapter.Input) (adapter.Disposition, error) {
	return adapter.Done(), nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterRecord[Tick](reg, "Tick"))
	require.NoError(t, RegisterRecord[EMA](reg, "EMA"))
	require.NoError(t, RegisterRecord[Signal](reg, "Signal"))
	require.NoError(t, reg.RegisterWorker("ema", func(id string) (any, error) { return &emaWorker{id: id}, nil }))
	require.NoError(t, reg.RegisterWorker("signal", func(string) (any, error) { return signalWorker{}, nil }))
	return reg
}

func loadPipeline(t *testing.T) *Manifest {
	t.Helper()
	m, err := LoadFile(filepath.Join("testdata", "pipeline.yaml"))
	require.NoError(t, err)
	return m
}

func TestLoadFile_YAMLAndCUEAgree(t *testing.T) {
	fromYAML, err := LoadFile(filepath.Join("testdata", "pipeline.yaml"))
	require.NoError(t, err)
	fromCUE, err := LoadFile(filepath.Join("testdata", "pipeline.cue"))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromCUE)
	assert.Equal(t, "tick.ready", fromYAML.Triggers["external.tick"])
	require.Len(t, fromYAML.Workers, 2)
	assert.True(t, fromYAML.Workers[0].Subscribes[0].Critical)
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	_, err := LoadFile("pipeline.toml")
	assert.Error(t, err)
}

func TestParseYAML_RejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("workers: []\ntrigers: {}\n"))
	assert.Error(t, err)
}

func TestParseCUE_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown field":     `workers: [{id: "a", kind: "k", subscribes: [{topic: "t", handler: "H"}], colour: "red"}], triggers: {}`,
		"empty worker id":   `workers: [{id: "", kind: "k", subscribes: [{topic: "t", handler: "H"}]}], triggers: {}`,
		"no subscriptions":  `workers: [{id: "a", kind: "k", subscribes: []}], triggers: {}`,
		"no workers":        `workers: [], triggers: {}`,
		"syntax error":      `workers: [`,
		"critical not bool": `workers: [{id: "a", kind: "k", subscribes: [{topic: "t", handler: "H", critical: "yes"}]}], triggers: {}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCUE([]byte(src), "bad.cue")
			assert.Error(t, err)
		})
	}
}

func TestResolve_BuildsBindings(t *testing.T) {
	plan, err := Resolve(loadPipeline(t), newRegistry(t))
	require.NoError(t, err)

	require.Len(t, plan.Workers, 2)
	ema := plan.Workers[0]
	assert.Equal(t, "ema", ema.Kind)
	assert.Equal(t, "ema", ema.Worker.(*emaWorker).id)
	assert.Equal(t, "ema", ema.Binding.WorkerID)
	assert.Equal(t, []reflect.Type{reflect.TypeOf(Tick{})}, ema.Binding.Requires)
	assert.Equal(t, map[string]bool{"ema.ready": true}, ema.Binding.Allowed)
	assert.Equal(t, cache.Partition("BTC"), ema.Binding.Partition)
	assert.Nil(t, ema.Binding.ReadPartition)
	assert.True(t, ema.Binding.Scope.IsGlobal())

	route := ema.Binding.Routes["tick.ready"]
	require.NotNil(t, route.Handle)
	assert.True(t, route.Critical)
	assert.Equal(t, "OnTick", route.Method)
	disp, err := route.Handle(context.Background(), adapter.Input{})
	require.NoError(t, err)
	assert.Equal(t, "ema.ready", disp.Topic)

	signal := plan.Workers[1]
	require.NotNil(t, signal.Binding.ReadPartition)
	assert.Equal(t, cache.Partition("BTC"), *signal.Binding.ReadPartition)
	assert.Equal(t, cache.Partition(""), signal.Binding.Partition)

	assert.Equal(t, map[string]string{"external.tick": "tick.ready"}, plan.Triggers)
	assert.Equal(t, []string{"signal.ready"}, plan.TerminalTopics)
	assert.Equal(t, []reflect.Type{reflect.TypeOf(Signal{})}, plan.OutputContracts["signal"])
	assert.Equal(t, []cache.Partition{"BTC"}, plan.Partitions())
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
		code   fault.Code
		want   string
	}{
		{"unknown kind", func(m *Manifest) { m.Workers[0].Kind = "rsi" }, fault.CodeWiringInvalid, `unknown worker kind "rsi"`},
		{"unknown record", func(m *Manifest) { m.Workers[1].Requires = []string{"Candle"} }, fault.CodeWiringInvalid, `unknown required record type "Candle"`},
		{"unknown output", func(m *Manifest) { m.Workers[1].Outputs = []string{"Order"} }, fault.CodeWiringInvalid, `unknown output record type "Order"`},
		{"missing method", func(m *Manifest) { m.Workers[0].Subscribes[0].Handler = "OnCandle" }, fault.CodeWiringInvalid, "no exported method OnCandle"},
		{"wrong signature", func(m *Manifest) { m.Workers[0].Subscribes[0].Handler = "Reset" }, fault.CodeWiringInvalid, "has signature func()"},
		{"duplicate id", func(m *Manifest) { m.Workers[1].ID = "ema" }, fault.CodeWiringInvalid, "duplicate worker id"},
		{"bad scope", func(m *Manifest) { m.Workers[0].Scope = "cluster" }, fault.CodeWiringInvalid, "invalid scope"},
		{"self trigger", func(m *Manifest) { m.Triggers = map[string]string{"tick.ready": "tick.ready"} }, fault.CodeWiringInvalid, "different internal topic"},
		{"orphan trigger", func(m *Manifest) { m.Triggers = map[string]string{"external.tick": "nobody"} }, fault.CodeWiringInvalid, "no worker subscribes"},
		{"no triggers", func(m *Manifest) { m.Triggers = nil }, fault.CodeWiringInvalid, "no triggers"},
		{"duplicate topic", func(m *Manifest) {
			m.Workers[0].Subscribes = append(m.Workers[0].Subscribes, m.Workers[0].Subscribes[0])
		}, fault.CodeWiringInvalid, "subscribed twice"},
		{"cycle", func(m *Manifest) { m.Workers[1].Publishes = []string{"tick.ready"} }, fault.CodeWiringCycle, "ema.ready → tick.ready → ema.ready"},
		{"self loop", func(m *Manifest) { m.Workers[1].Publishes = []string{"ema.ready"} }, fault.CodeWiringCycle, "ema.ready → ema.ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := loadPipeline(t)
			tt.mutate(m)

			plan, err := Resolve(m, newRegistry(t))
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.True(t, fault.Is(err, tt.code), "got %v", err)
			assert.True(t, fault.IsConfiguration(err))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResolve_FactoryError(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.RegisterWorker("broken", func(string) (any, error) { return nil, errors.New("no api key") }))
	m := loadPipeline(t)
	m.Workers[0].Kind = "broken"

	_, err := Resolve(m, reg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no api key")
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, "ema", fe.WorkerID)
}

func TestCheck_CollectsEveryProblem(t *testing.T) {
	m := loadPipeline(t)
	m.Workers[0].Kind = "rsi"
	m.Workers[1].Requires = []string{"Candle"}
	m.Workers[1].Publishes = []string{"ema.ready"}

	problems := Check(m, newRegistry(t))
	require.Len(t, problems, 3)
	assert.Equal(t, fault.CodeWiringInvalid, problems[0].Code)
	assert.Equal(t, fault.CodeWiringInvalid, problems[1].Code)
	assert.Equal(t, fault.CodeWiringCycle, problems[2].Code)

	assert.Empty(t, Check(loadPipeline(t), newRegistry(t)))
}

func TestResolve_NormalizesNames(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.RegisterWorker("caf\u00e9", func(string) (any, error) { return signalWorker{}, nil }))

	// Decomposed "e" + combining acute accent in the manifest.
	m := &Manifest{
		Triggers: map[string]string{"external.tick": "cafe\u0301.ready"},
		Workers: []WorkerSpec{{
			ID:         "w",
			Kind:       "cafe\u0301",
			Subscribes: []SubscriptionSpec{{Topic: "cafe\u0301.ready", Handler: "OnEMA"}},
		}},
	}

	plan, err := Resolve(m, reg)
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", plan.Workers[0].Kind)
	assert.Equal(t, "caf\u00e9.ready", plan.Triggers["external.tick"])
	_, ok := plan.Workers[0].Binding.Routes["caf\u00e9.ready"]
	assert.True(t, ok)
}

func TestRegistry(t *testing.T) {
	reg := newRegistry(t)

	assert.NoError(t, RegisterRecord[Tick](reg, "Tick"), "re-registering the same type is allowed")
	assert.Error(t, RegisterRecord[EMA](reg, "Tick"))
	assert.Error(t, RegisterRecord[EMA](reg, ""))
	assert.Error(t, reg.RegisterWorker("ema", func(string) (any, error) { return nil, nil }))
	assert.Error(t, reg.RegisterWorker("x", nil))

	assert.Equal(t, []string{"EMA", "Signal", "Tick"}, reg.Records())
	assert.Equal(t, []string{"ema", "signal"}, reg.Kinds())

	typ, ok := reg.RecordType("EMA")
	require.True(t, ok)
	assert.Equal(t, reflect.TypeOf(EMA{}), typ)
}

func TestFindCycles(t *testing.T) {
	graph := topicGraph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a", "d"},
		"d": {},
		"e": {"e"},
	}
	cycles := findCycles(graph)
	require.Len(t, cycles, 2)
	assert.Contains(t, cycles, []string{"a", "b", "c", "a"})
	assert.Contains(t, cycles, []string{"e", "e"})

	assert.Empty(t, findCycles(topicGraph{"a": {"b"}, "b": {"c"}}))
}

func TestPlan_ScopesParsed(t *testing.T) {
	m := loadPipeline(t)
	m.Workers[0].Scope = "instance:BTC"
	m.Workers[0].PublishScope = "instance:BTC"

	plan, err := Resolve(m, newRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, event.Instance("BTC"), plan.Workers[0].Binding.Scope)
	assert.Equal(t, event.Instance("BTC"), plan.Workers[0].Binding.PublishScope)
}
