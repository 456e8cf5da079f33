package causality

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/conduit/internal/fault"
)

// Field is one named identifier contributed by a pipeline stage.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Chain is an immutable, append-only set of identifiers that traces which
// upstream records caused a downstream record to exist.
//
// Chains carry lookup keys only, never business payloads. The zero value is
// not a valid chain; build one with New.
//
// INVARIANTS:
//   - fields[0] is the root and always has a non-empty value
//   - a field, once set, never changes value
//   - field order is insertion order
type Chain struct {
	fields []Field
}

// Traceable is implemented by records that carry their causality chain.
type Traceable interface {
	Causality() Chain
}

// New creates a chain from a root identifier and optional extra fields.
func New(root Field, more ...Field) (Chain, error) {
	if root.Name == "" || root.Value == "" {
		return Chain{}, fault.New(fault.CodeInvalidCausality, "root identifier requires a name and a value")
	}
	c := Chain{fields: []Field{root}}
	if len(more) == 0 {
		return c, nil
	}
	return c.Extend(more...)
}

// MustNew is New that panics on error. Intended for tests and static roots.
func MustNew(root Field, more ...Field) Chain {
	c, err := New(root, more...)
	if err != nil {
		panic(err)
	}
	return c
}

// Extend returns a new chain with the given fields appended.
//
// Re-setting a field to the value it already holds is a no-op. Setting it to
// a different value fails with InvalidCausality and leaves c untouched.
func (c Chain) Extend(fields ...Field) (Chain, error) {
	if !c.Valid() {
		return Chain{}, fault.New(fault.CodeInvalidCausality, "cannot extend a chain without a root")
	}

	next := make([]Field, len(c.fields), len(c.fields)+len(fields))
	copy(next, c.fields)

	for _, f := range fields {
		if f.Name == "" || f.Value == "" {
			return Chain{}, fault.New(fault.CodeInvalidCausality, "field requires a name and a value (got %q=%q)", f.Name, f.Value)
		}
		if existing, ok := lookup(next, f.Name); ok {
			if existing != f.Value {
				return Chain{}, fault.New(fault.CodeInvalidCausality,
					"field %q already set to %q, refusing %q", f.Name, existing, f.Value)
			}
			continue
		}
		next = append(next, f)
	}

	return Chain{fields: next}, nil
}

// Valid reports whether the chain has a root.
func (c Chain) Valid() bool {
	return len(c.fields) > 0 && c.fields[0].Value != ""
}

// Root returns the root identifier.
func (c Chain) Root() Field {
	if len(c.fields) == 0 {
		return Field{}
	}
	return c.fields[0]
}

// Get returns the value of a named field.
func (c Chain) Get(name string) (string, bool) {
	return lookup(c.fields, name)
}

// Fields returns a copy of the fields in insertion order.
func (c Chain) Fields() []Field {
	out := make([]Field, len(c.fields))
	copy(out, c.fields)
	return out
}

// IDs returns the identifier values in insertion order.
func (c Chain) IDs() []string {
	out := make([]string, len(c.fields))
	for i, f := range c.fields {
		out[i] = f.Value
	}
	return out
}

// Len returns the number of fields.
func (c Chain) Len() int {
	return len(c.fields)
}

// String renders the chain as name=value pairs.
func (c Chain) String() string {
	s := ""
	for i, f := range c.fields {
		if i > 0 {
			s += " → "
		}
		s += fmt.Sprintf("%s=%s", f.Name, f.Value)
	}
	return s
}

// MarshalJSON encodes the chain as an ordered list of fields.
func (c Chain) MarshalJSON() ([]byte, error) {
	if c.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.fields)
}

// UnmarshalJSON decodes a chain and re-validates its invariants.
func (c *Chain) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode causality chain: %w", err)
	}
	if len(fields) == 0 {
		*c = Chain{}
		return nil
	}
	decoded, err := New(fields[0], fields[1:]...)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// EncodeMsgpack lets chains cross the actor backend's message boundary.
func (c Chain) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(c.fields)
}

// DecodeMsgpack decodes a chain and re-validates its invariants.
func (c *Chain) DecodeMsgpack(dec *msgpack.Decoder) error {
	var fields []Field
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode causality chain: %w", err)
	}
	if len(fields) == 0 {
		*c = Chain{}
		return nil
	}
	decoded, err := New(fields[0], fields[1:]...)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

func lookup(fields []Field, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}
