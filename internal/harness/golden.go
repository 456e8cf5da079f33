package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot is the backend-independent part of a result: what each step
// produced, without failure texts.
type Snapshot struct {
	Scenario string      `json:"scenario"`
	Runs     []RunRecord `json:"runs"`
}

// Snapshot returns the snapshot of r.
func (r *Result) Snapshot() Snapshot {
	runs := make([]RunRecord, len(r.Runs))
	for i, run := range r.Runs {
		run.Reason = ""
		runs[i] = run
	}
	return Snapshot{Scenario: r.Scenario, Runs: runs}
}

// MarshalSnapshot renders s as indented JSON with a trailing newline.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden runs s on backend and compares its snapshot with
// testdata/golden/<scenario name>.golden. Every backend shares the file.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario, backend string, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), s, backend, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, s.Name, result)
}

// AssertGolden compares the snapshot of result with the golden file name.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	b, err := MarshalSnapshot(result.Snapshot())
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, b)
	return nil
}
