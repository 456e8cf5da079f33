package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conduit/internal/strategy"
)

// DefaultTrigger is the external topic ticks are published on.
const DefaultTrigger = "external.tick"

// Scenario defines a conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Manifest is the wiring manifest path. Relative paths are resolved
	// against the scenario file. Empty selects the built-in demo.
	Manifest string `yaml:"manifest,omitempty"`

	// Backends lists the execution backends to run on. Empty means all.
	Backends []string `yaml:"backends,omitempty"`

	// Trigger is the default external topic of every step.
	Trigger string `yaml:"trigger,omitempty"`

	// AutoClear lets a trigger clear a run left open by an earlier step.
	AutoClear bool `yaml:"auto_clear,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step publishes one tick and optionally checks the run it produced.
type Step struct {
	Tick TickSpec `yaml:"tick"`

	// Topic overrides the scenario trigger for this step.
	Topic string `yaml:"topic,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// TickSpec is a price observation.
type TickSpec struct {
	Symbol string    `yaml:"symbol"`
	Price  float64   `yaml:"price"`
	At     time.Time `yaml:"at"`
}

// Expect describes the run a step must produce.
type Expect struct {
	// Outcome is completed, failed, unresolved, rejected or open.
	Outcome string `yaml:"outcome"`

	// Chain lists the chain identifiers in order (completed runs only).
	Chain []string `yaml:"chain,omitempty"`

	// Side is the signal decision of a completed demo run.
	Side string `yaml:"side,omitempty"`

	// Reason must appear in the failure reason.
	Reason string `yaml:"reason,omitempty"`
}

// Assertion checks the state left after every step ran.
type Assertion struct {
	Type    string   `yaml:"type"`
	Outcome string   `yaml:"outcome,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Root    string   `yaml:"root,omitempty"`
	Kinds   []string `yaml:"kinds,omitempty"`
}

// Assertion types.
const (
	AssertOutcomeCount  = "outcome_count"
	AssertChainResolves = "chain_resolves"
	AssertJournalKinds  = "journal_kinds"
	AssertExecutions    = "executions"
)

// Execution outcomes accepted by the executions assertion.
const (
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
	ExecCritical  = "critical"
	ExecRejected  = "rejected"
)

var allBackends = []string{strategy.BackendSync, strategy.BackendThreadPool, strategy.BackendActor}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Manifest != "" && !filepath.IsAbs(s.Manifest) {
		s.Manifest = filepath.Join(filepath.Dir(path), s.Manifest)
	}
	if s.Manifest != "" {
		if _, err := os.Stat(s.Manifest); err != nil {
			return nil, fmt.Errorf("invalid scenario: manifest: %w", err)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Manifest paths are
// left as written.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if s.Trigger == "" {
		s.Trigger = DefaultTrigger
	}
	if len(s.Backends) == 0 {
		s.Backends = slices.Clone(allBackends)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for _, b := range s.Backends {
		if !slices.Contains(allBackends, b) {
			return fmt.Errorf("unknown backend %q", b)
		}
	}

	for i, step := range s.Steps {
		if step.Tick.Symbol == "" {
			return fmt.Errorf("steps[%d]: tick.symbol is required", i)
		}
		if step.Tick.At.IsZero() {
			return fmt.Errorf("steps[%d]: tick.at is required", i)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("steps[%d].expect: outcome is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcome_count", index)
		}
	case AssertChainResolves:
		if a.Root == "" {
			return fmt.Errorf("assertions[%d]: root is required for chain_resolves", index)
		}
	case AssertJournalKinds:
		if a.Root == "" || len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: root and kinds are required for journal_kinds", index)
		}
	case AssertExecutions:
		switch a.Outcome {
		case ExecSucceeded, ExecFailed, ExecCritical, ExecRejected:
		default:
			return fmt.Errorf("assertions[%d]: unknown execution outcome %q", index, a.Outcome)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
