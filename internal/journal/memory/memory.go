// Package memory is an in-process journal for tests and ephemeral runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/journal"
)

var errClosed = errors.New("journal: closed")

// Journal keeps entries and chains in memory.
type Journal struct {
	mu      sync.RWMutex
	entries map[string]journal.Entry
	chains  []journal.Chain
	seq     int64
	closed  bool
	now     func() time.Time
}

var _ journal.Journal = (*Journal)(nil)

// Option configures a Journal.
type Option func(*Journal)

// WithNow sets the clock stamping written chains.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New creates an empty journal.
func New(opts ...Option) *Journal {
	j := &Journal{
		entries: make(map[string]journal.Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append implements journal.Journal.
func (j *Journal) Append(_ context.Context, e journal.Entry) error {
	if e.ID == "" {
		return errors.New("journal: entry id is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed
	}
	e.Data = append([]byte(nil), e.Data...)
	j.entries[e.ID] = e
	return nil
}

// Resolve implements journal.Journal.
func (j *Journal) Resolve(_ context.Context, id string) (journal.Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return journal.Entry{}, errClosed
	}
	e, ok := j.entries[id]
	if !ok {
		return journal.Entry{}, journal.ErrNotFound
	}
	return e, nil
}

// WriteChain implements journal.Journal.
func (j *Journal) WriteChain(_ context.Context, fields []causality.Field) error {
	if len(fields) == 0 {
		return journal.ErrEmptyChain
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed
	}
	j.seq++
	j.chains = append(j.chains, journal.Chain{
		Seq:       j.seq,
		RootID:    fields[0].Value,
		Fields:    append([]causality.Field(nil), fields...),
		WrittenAt: j.now().UTC(),
	})
	return nil
}

// Chains implements journal.Journal.
func (j *Journal) Chains(_ context.Context, rootID string) ([]journal.Chain, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, errClosed
	}
	var out []journal.Chain
	for _, c := range j.chains {
		if c.RootID == rootID {
			c.Fields = append([]causality.Field(nil), c.Fields...)
			out = append(out, c)
		}
	}
	return out, nil
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Close implements journal.Journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
