package harness

import (
	"fmt"

	"github.com/roach88/conduit/internal/strategy"
)

// Run outcomes beyond the telemetry ones.
const (
	// OutcomeRejected marks a trigger refused before a run opened.
	OutcomeRejected = "rejected"

	// OutcomeOpen marks a run that did not terminate in time.
	OutcomeOpen = "open"
)

// RunRecord is what one step produced.
type RunRecord struct {
	Step    int      `json:"step"`
	RunID   string   `json:"run_id,omitempty"`
	Outcome string   `json:"outcome"`
	Chain   []string `json:"chain,omitempty"`
	Side    string   `json:"side,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Result is the outcome of one scenario on one backend.
type Result struct {
	Scenario string           `json:"scenario"`
	Backend  string           `json:"backend"`
	Pass     bool             `json:"pass"`
	Runs     []RunRecord      `json:"runs"`
	Metrics  strategy.Metrics `json:"metrics"`
	Errors   []string         `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult(scenario, backend string) *Result {
	return &Result{Scenario: scenario, Backend: backend, Pass: true}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Count returns how many runs ended with outcome.
func (r *Result) Count(outcome string) int {
	return countOutcome(r.Runs, outcome)
}

func countOutcome(runs []RunRecord, outcome string) int {
	n := 0
	for _, run := range runs {
		if run.Outcome == outcome {
			n++
		}
	}
	return n
}
