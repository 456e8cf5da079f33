package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/conduit/internal/journal"
	"github.com/roach88/conduit/internal/strategy"
)

// AssertionContext is what assertions are evaluated against.
type AssertionContext struct {
	Ctx     context.Context
	Journal journal.Journal
	Runs    []RunRecord
	Metrics strategy.Metrics
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return msgs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertOutcomeCount:
		if got := countOutcome(actx.Runs, a.Outcome); got != a.Count {
			return fmt.Errorf("expected %d %s runs, got %d", a.Count, a.Outcome, got)
		}
		return nil
	case AssertChainResolves:
		return assertChainResolves(actx, a.Root)
	case AssertJournalKinds:
		return assertJournalKinds(actx, a.Root, a.Kinds)
	case AssertExecutions:
		got := executions(actx.Metrics, a.Outcome)
		if got != uint64(a.Count) {
			return fmt.Errorf("expected %d %s executions, got %d", a.Count, a.Outcome, got)
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertChainResolves(actx *AssertionContext, root string) error {
	chains, err := actx.Journal.Chains(actx.Ctx, root)
	if err != nil {
		return err
	}
	if len(chains) == 0 {
		return fmt.Errorf("no chain written for root %s", root)
	}
	for _, c := range chains {
		for _, f := range c.Fields {
			_, err := actx.Journal.Resolve(actx.Ctx, f.Value)
			if errors.Is(err, journal.ErrNotFound) {
				return fmt.Errorf("chain %d: %s=%s is not journaled", c.Seq, f.Name, f.Value)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func assertJournalKinds(actx *AssertionContext, root string, want []string) error {
	chains, err := actx.Journal.Chains(actx.Ctx, root)
	if err != nil {
		return err
	}
	if len(chains) == 0 {
		return fmt.Errorf("no chain written for root %s", root)
	}

	got := make([]string, 0, len(chains[0].Fields))
	for _, f := range chains[0].Fields {
		e, err := actx.Journal.Resolve(actx.Ctx, f.Value)
		switch {
		case errors.Is(err, journal.ErrNotFound):
			got = append(got, "?")
		case err != nil:
			return err
		default:
			got = append(got, e.Kind)
		}
	}
	if !slices.Equal(got, want) {
		return fmt.Errorf("expected kinds %v, got %v", want, got)
	}
	return nil
}

func executions(m strategy.Metrics, outcome string) uint64 {
	switch outcome {
	case ExecSucceeded:
		return m.Succeeded
	case ExecFailed:
		return m.Failed
	case ExecCritical:
		return m.CriticalFailed
	case ExecRejected:
		return m.Rejected
	}
	return 0
}
