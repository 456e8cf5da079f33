// Package journal defines the audit trail the FlowTerminator resolves
// causality chains against, and the backends that store it.
//
// Backends live in subpackages: sqlite (default, durable), redis and
// memory. Every backend passes the shared suite in journaltest.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/conduit/internal/causality"
)

// ErrNotFound is returned by Resolve for an unknown identifier.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is what one identifier points at: the record a stage produced.
type Entry struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	RunID      string          `json:"run_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// NewEntry builds an entry with data encoded as JSON.
func NewEntry(id, kind, runID string, data any, at time.Time) (Entry, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Entry{}, err
		}
		raw = b
	}
	return Entry{ID: id, Kind: kind, RunID: runID, Data: raw, RecordedAt: at.UTC()}, nil
}

// Chain is one written causality chain.
type Chain struct {
	Seq       int64             `json:"seq"`
	RootID    string            `json:"root_id"`
	Fields    []causality.Field `json:"fields"`
	WrittenAt time.Time         `json:"written_at"`
}

// Journal is the full surface of a backend.
type Journal interface {
	// Append records an entry. Appending an id twice replaces the entry.
	Append(ctx context.Context, e Entry) error

	// Resolve returns the entry behind id, or ErrNotFound.
	Resolve(ctx context.Context, id string) (Entry, error)

	// WriteChain stores an ordered chain. The first field is the root.
	WriteChain(ctx context.Context, fields []causality.Field) error

	// Chains returns the chains written for a root id, oldest first.
	Chains(ctx context.Context, rootID string) ([]Chain, error)

	Close() error
}

// ErrEmptyChain is returned by WriteChain for a chain without fields.
var ErrEmptyChain = errors.New("journal: empty chain")
