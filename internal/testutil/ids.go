package testutil

import (
	"fmt"
	"sync"
)

// Sequence generates prefix-1, prefix-2, ... and never runs out, unlike
// causality.FixedGenerator. It implements causality.Generator.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a sequence. An empty prefix yields "id".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix}
}

// Generate returns the next identifier.
func (s *Sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}
