package demo

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/cache"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/journal"
)

// Chain field names contributed by the demo stages.
const (
	EMAField    = "ema_id"
	SignalField = "signal_id"
)

// EMAWorker keeps an exponential moving average per symbol across runs.
type EMAWorker struct {
	alpha    float64
	recorder flow.Recorder
	ids      causality.Generator

	mu   sync.Mutex
	last map[string]float64
}

// NewEMAWorker creates a worker smoothing with factor alpha in (0, 1].
func NewEMAWorker(alpha float64, rec flow.Recorder, ids causality.Generator) (*EMAWorker, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("ema alpha %v out of range (0, 1]", alpha)
	}
	return &EMAWorker{alpha: alpha, recorder: rec, ids: ids, last: make(map[string]float64)}, nil
}

// OnTick stores the tick and its EMA, then publishes the EMA.
func (w *EMAWorker) OnTick(ctx context.Context, in adapter.Input) (adapter.Disposition, error) {
	tick, ok := in.Envelope.Payload.(Tick)
	if !ok {
		return adapter.Disposition{}, fmt.Errorf("expected a Tick, got %T", in.Envelope.Payload)
	}

	w.mu.Lock()
	value := tick.Price
	if prev, seen := w.last[tick.Symbol]; seen {
		value = w.alpha*tick.Price + (1-w.alpha)*prev
	}
	w.last[tick.Symbol] = value
	w.mu.Unlock()

	id := w.ids.Generate()
	chain, err := in.Anchor.Root.Extend(causality.Field{Name: EMAField, Value: id})
	if err != nil {
		return adapter.Disposition{}, err
	}
	ema := EMA{ID: id, Symbol: tick.Symbol, Value: value, Chain: chain}

	if err := record(ctx, w.recorder, id, "ema", in.Anchor, map[string]any{"ema": ema, "tick": tick}); err != nil {
		return adapter.Disposition{}, err
	}
	if err := in.Set(tick); err != nil {
		return adapter.Disposition{}, err
	}
	if err := in.Set(ema); err != nil {
		return adapter.Disposition{}, err
	}
	return adapter.PublishTo("ema.ready", ema), nil
}

// SignalWorker compares the tick price with its EMA.
type SignalWorker struct {
	threshold float64
	recorder  flow.Recorder
	ids       causality.Generator
}

// NewSignalWorker creates a worker that signals when price and EMA differ
// by more than threshold, relative to the EMA.
func NewSignalWorker(threshold float64, rec flow.Recorder, ids causality.Generator) (*SignalWorker, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("signal threshold %v must not be negative", threshold)
	}
	return &SignalWorker{threshold: threshold, recorder: rec, ids: ids}, nil
}

// OnEMA produces the terminal Signal and stops the run.
func (w *SignalWorker) OnEMA(ctx context.Context, in adapter.Input) (adapter.Disposition, error) {
	tick, ok := adapter.Record[Tick](in)
	if !ok {
		return adapter.Disposition{}, fmt.Errorf("tick missing from cache")
	}
	ema, ok := adapter.Record[EMA](in)
	if !ok {
		return adapter.Disposition{}, fmt.Errorf("ema missing from cache")
	}

	id := w.ids.Generate()
	chain, err := ema.Chain.Extend(causality.Field{Name: SignalField, Value: id})
	if err != nil {
		return adapter.Disposition{}, err
	}
	sig := Signal{
		ID:     id,
		Symbol: tick.Symbol,
		Side:   decide(tick.Price, ema.Value, w.threshold),
		Price:  tick.Price,
		EMA:    ema.Value,
		Chain:  chain,
	}

	if err := record(ctx, w.recorder, id, "signal", in.Anchor, map[string]any{"signal": sig}); err != nil {
		return adapter.Disposition{}, err
	}
	if err := in.Set(sig); err != nil {
		return adapter.Disposition{}, err
	}
	return adapter.StopWith(sig), nil
}

func decide(price, ema, threshold float64) Side {
	if ema == 0 {
		return Hold
	}
	diff := (price - ema) / math.Abs(ema)
	switch {
	case diff > threshold:
		return Buy
	case diff < -threshold:
		return Sell
	default:
		return Hold
	}
}

// record journals what id points at, stamped with the run's anchor time.
func record(ctx context.Context, rec flow.Recorder, id, kind string, anchor cache.RunAnchor, data map[string]any) error {
	if rec == nil {
		return nil
	}
	e, err := journal.NewEntry(id, kind, anchor.RunID, data, anchor.Timestamp)
	if err != nil {
		return err
	}
	return rec.Append(ctx, e)
}
