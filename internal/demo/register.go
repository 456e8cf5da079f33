package demo

import (
	_ "embed"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/wiring"
)

//go:embed pipeline.yaml
var pipelineYAML []byte

// Manifest returns the demo wiring manifest.
func Manifest() (*wiring.Manifest, error) {
	return wiring.ParseYAML(pipelineYAML)
}

// Options tunes the demo workers.
type Options struct {
	Alpha     float64
	Threshold float64
	IDs       causality.Generator
}

// DefaultOptions returns a 0.2 smoothing factor and a 0.5% threshold.
func DefaultOptions() Options {
	return Options{Alpha: 0.2, Threshold: 0.005, IDs: causality.UUIDv7Generator{}}
}

// Register adds the demo record types and worker kinds to reg. Workers
// journal their records through rec, which may be nil.
func Register(reg *wiring.Registry, rec flow.Recorder, opts Options) error {
	if opts.IDs == nil {
		opts.IDs = causality.UUIDv7Generator{}
	}
	return errors.Join(
		wiring.RegisterRecord[Tick](reg, "Tick"),
		wiring.RegisterRecord[EMA](reg, "EMA"),
		wiring.RegisterRecord[Signal](reg, "Signal"),
		reg.RegisterWorker("ema", func(string) (any, error) {
			return NewEMAWorker(opts.Alpha, rec, opts.IDs)
		}),
		reg.RegisterWorker("signal", func(string) (any, error) {
			return NewSignalWorker(opts.Threshold, rec, opts.IDs)
		}),
	)
}

// Ticks generates a deterministic random walk of n ticks, one per
// interval starting at start.
func Ticks(symbol string, n int, start time.Time, interval time.Duration, seed uint64) []Tick {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	price := 100.0
	out := make([]Tick, n)
	for i := range out {
		price *= 1 + (r.Float64()-0.5)*0.02
		out[i] = Tick{
			Symbol:    symbol,
			Price:     math.Round(price*100) / 100,
			Timestamp: start.Add(time.Duration(i) * interval).UTC(),
		}
	}
	return out
}
