package cache

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/fault"
)

// Partition names a subdivision of the cache, e.g. one asset.
type Partition string

// DefaultPartition is the implicit partition for unpartitioned use.
const DefaultPartition Partition = ""

// Records maps record types to the record stored for that type.
type Records map[reflect.Type]any

// RunAnchor is the frozen point-in-time reference of a run.
// It is created once by StartNewRun and handed out by value.
type RunAnchor struct {
	RunID        string
	Timestamp    time.Time
	TriggerTopic string
	Root         causality.Chain
	Metadata     map[string]string
}

// Cache is the point-in-time typed store scoped to one run.
//
// A run exists strictly between StartNewRun and Clear. Every accessor except
// HasRecord and Clear fails with NoActiveRun outside a run.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent writers
// to the same (type, partition) within one run are a wiring error and are
// not detected; the last write wins.
type Cache struct {
	mu         sync.RWMutex
	anchor     *RunAnchor
	partitions map[Partition]Records

	ids       causality.Generator
	contracts map[string]map[reflect.Type]bool
	autoClear bool
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithIDGenerator sets the generator used for run ids when none is given.
func WithIDGenerator(gen causality.Generator) Option {
	return func(c *Cache) {
		c.ids = gen
	}
}

// WithOutputContracts enables strict mode: SetResultRecord rejects record
// types a worker did not declare. Workers absent from the map are unchecked.
func WithOutputContracts(contracts map[string][]reflect.Type) Option {
	return func(c *Cache) {
		c.contracts = make(map[string]map[reflect.Type]bool, len(contracts))
		for worker, types := range contracts {
			set := make(map[reflect.Type]bool, len(types))
			for _, t := range types {
				set[t] = true
			}
			c.contracts[worker] = set
		}
	}
}

// WithAutoClear makes StartNewRun clear a still-open run (with a warning)
// instead of failing with AlreadyActiveRun.
func WithAutoClear(enabled bool) Option {
	return func(c *Cache) {
		c.autoClear = enabled
	}
}

// New creates an empty cache with no open run.
func New(opts ...Option) *Cache {
	c := &Cache{
		ids:    causality.UUIDv7Generator{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID        string
	triggerTopic string
	root         causality.Chain
	partitions   []Partition
	metadata     map[string]string
}

// WithRunID sets the run id (default: generated).
func WithRunID(id string) RunOption {
	return func(rc *runConfig) { rc.runID = id }
}

// WithTriggerTopic records the external topic that opened the run.
func WithTriggerTopic(topic string) RunOption {
	return func(rc *runConfig) { rc.triggerTopic = topic }
}

// WithRoot sets the root causality chain of the run.
func WithRoot(root causality.Chain) RunOption {
	return func(rc *runConfig) { rc.root = root }
}

// WithPartitions pre-creates empty partitions.
func WithPartitions(partitions ...Partition) RunOption {
	return func(rc *runConfig) { rc.partitions = append(rc.partitions, partitions...) }
}

// WithMetadata attaches anchor metadata. The map is copied.
func WithMetadata(md map[string]string) RunOption {
	return func(rc *runConfig) {
		rc.metadata = make(map[string]string, len(md))
		for k, v := range md {
			rc.metadata[k] = v
		}
	}
}

// StartNewRun opens a run anchored at ts.
//
// Fails with AlreadyActiveRun if a run is open, unless auto-clear is enabled.
func (c *Cache) StartNewRun(ts time.Time, opts ...RunOption) (RunAnchor, error) {
	rc := runConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.runID == "" {
		rc.runID = c.ids.Generate()
	}
	if !rc.root.Valid() {
		rc.root = causality.MustNew(causality.Field{Name: "run_id", Value: rc.runID})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.anchor != nil {
		if !c.autoClear {
			return RunAnchor{}, fault.New(fault.CodeAlreadyActiveRun,
				"run %s is still open", c.anchor.RunID).WithStage("cache")
		}
		c.logger.Warn("clearing unfinished run before starting a new one",
			"previous_run_id", c.anchor.RunID,
			"run_id", rc.runID,
		)
		c.clearLocked()
	}

	anchor := RunAnchor{
		RunID:        rc.runID,
		Timestamp:    ts,
		TriggerTopic: rc.triggerTopic,
		Root:         rc.root,
		Metadata:     rc.metadata,
	}
	c.anchor = &anchor
	c.partitions = map[Partition]Records{DefaultPartition: {}}
	for _, p := range rc.partitions {
		if _, ok := c.partitions[p]; !ok {
			c.partitions[p] = Records{}
		}
	}

	c.logger.Debug("run started",
		"run_id", anchor.RunID,
		"timestamp", anchor.Timestamp,
		"trigger_topic", anchor.TriggerTopic,
	)
	return anchor.copy(), nil
}

// RunAnchor returns the anchor of the open run.
func (c *Cache) RunAnchor() (RunAnchor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.anchor == nil {
		return RunAnchor{}, noActiveRun("run_anchor")
	}
	return c.anchor.copy(), nil
}

// IsOpen reports whether runID is the open run.
func (c *Cache) IsOpen(runID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchor != nil && c.anchor.RunID == runID
}

// Active reports whether a run is open.
func (c *Cache) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchor != nil
}

// RequiredRecords returns the records for every requested type in partition
// p. If any type is absent it fails with MissingCriticalDependency naming
// exactly the absent types; a partial map is never returned.
func (c *Cache) RequiredRecords(workerID string, types []reflect.Type, p Partition) (Records, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.anchor == nil {
		return nil, noActiveRun("required_records").WithWorker(workerID)
	}

	part := c.partitions[p]
	out := make(Records, len(types))
	var missing []string
	for _, t := range types {
		rec, ok := part[t]
		if !ok {
			missing = append(missing, t.String())
			continue
		}
		out[t] = rec
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		err := fault.New(fault.CodeMissingDependency,
			"partition %q is missing %v", string(p), missing).WithStage("cache").WithWorker(workerID)
		err.Missing = missing
		return nil, err
	}
	return out, nil
}

// SetResultRecord stores rec under its dynamic type in partition p,
// replacing any earlier record of that type.
func (c *Cache) SetResultRecord(workerID string, rec any, p Partition) error {
	return c.SetResultRecordFor("", workerID, rec, p)
}

// SetResultRecordFor is SetResultRecord bound to a run: the write is
// rejected with NO_ACTIVE_RUN unless runID is the open run. An empty runID
// accepts whichever run is open.
func (c *Cache) SetResultRecordFor(runID, workerID string, rec any, p Partition) error {
	if rec == nil {
		return fault.New(fault.CodeInvalidRecordType, "nil record").WithStage("cache").WithWorker(workerID)
	}
	t := reflect.TypeOf(rec)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.anchor == nil {
		return noActiveRun("set_result_record").WithWorker(workerID)
	}
	if runID != "" && c.anchor.RunID != runID {
		c.logger.Warn("write from a closed run rejected",
			"run_id", runID,
			"open_run_id", c.anchor.RunID,
			"worker_id", workerID,
			"type", t.String(),
		)
		return fault.New(fault.CodeNoActiveRun, "run %s is no longer open", runID).
			WithStage("cache.set_result_record").WithWorker(workerID)
	}

	if declared, strict := c.contracts[workerID]; strict && !declared[t] {
		return fault.New(fault.CodeInvalidRecordType,
			"record type %s is not a declared output", t).WithStage("cache").WithWorker(workerID)
	}

	part, ok := c.partitions[p]
	if !ok {
		part = Records{}
		c.partitions[p] = part
	}
	if _, exists := part[t]; exists {
		c.logger.Debug("overwriting record",
			"run_id", c.anchor.RunID,
			"worker_id", workerID,
			"type", t.String(),
			"partition", string(p),
		)
	}
	part[t] = rec
	return nil
}

// HasRecord reports whether a record of type t exists in partition p.
// It never fails; outside a run it returns false.
func (c *Cache) HasRecord(t reflect.Type, p Partition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.anchor == nil {
		return false
	}
	_, ok := c.partitions[p][t]
	return ok
}

// Partitions returns the partitions of the open run, sorted.
func (c *Cache) Partitions() []Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Partition, 0, len(c.partitions))
	for p := range c.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear closes the run and releases every partition. Idempotent.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	if c.anchor == nil {
		return
	}
	c.logger.Debug("run cleared", "run_id", c.anchor.RunID)
	c.anchor = nil
	c.partitions = nil
}

func (a RunAnchor) copy() RunAnchor {
	if a.Metadata == nil {
		return a
	}
	md := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		md[k] = v
	}
	a.Metadata = md
	return a
}

func noActiveRun(stage string) *fault.Error {
	return fault.New(fault.CodeNoActiveRun, "no run is open").WithStage("cache." + stage)
}
