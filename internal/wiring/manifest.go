package wiring

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Manifest is the declarative wiring of one pipeline.
type Manifest struct {
	Workers []WorkerSpec `yaml:"workers" json:"workers"`

	// Triggers maps external trigger topics to internal topics.
	Triggers map[string]string `yaml:"triggers" json:"triggers"`

	// TerminalTopics are topics whose delivery closes the run.
	TerminalTopics []string `yaml:"terminal_topics,omitempty" json:"terminal_topics,omitempty"`
}

// WorkerSpec declares one worker instance.
type WorkerSpec struct {
	ID            string             `yaml:"id" json:"id"`
	Kind          string             `yaml:"kind" json:"kind"`
	Requires      []string           `yaml:"requires,omitempty" json:"requires,omitempty"`
	Outputs       []string           `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Subscribes    []SubscriptionSpec `yaml:"subscribes" json:"subscribes"`
	Publishes     []string           `yaml:"publishes,omitempty" json:"publishes,omitempty"`
	Partition     string             `yaml:"partition,omitempty" json:"partition,omitempty"`
	ReadPartition string             `yaml:"read_partition,omitempty" json:"read_partition,omitempty"`
	Scope         string             `yaml:"scope,omitempty" json:"scope,omitempty"`
	PublishScope  string             `yaml:"publish_scope,omitempty" json:"publish_scope,omitempty"`
}

// SubscriptionSpec routes one topic to a worker method.
type SubscriptionSpec struct {
	Topic    string `yaml:"topic" json:"topic"`
	Handler  string `yaml:"handler" json:"handler"`
	Critical bool   `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// ParseYAML decodes a YAML manifest. Unknown fields are rejected.
func ParseYAML(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse yaml manifest: %w", err)
	}
	return &m, nil
}

// ParseCUE unifies a CUE manifest with the embedded schema and decodes it.
// filename only labels positions in errors.
func ParseCUE(data []byte, filename string) (*Manifest, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var m Manifest
	if err := unified.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode cue manifest: %w", err)
	}
	return &m, nil
}

// LoadFile reads a manifest, choosing the format by extension.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(data, filepath.Base(path))
	default:
		return nil, fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml or .cue)", ext)
	}
}

// formatCUEError keeps the first error, prefixed with its source position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 && positions[0].IsValid() {
		pos := positions[0]
		return fmt.Errorf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), first.Error())
	}
	return first
}
