// Package agg folds trades into OHLCV candles for every configured
// granularity at once. One Aggregator owns the bucket state for a single
// product; the Pool demuxes a shared trade stream into one aggregator
// goroutine per product.
package agg

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
)

// bucketState is the forming candle for one granularity of one product.
type bucketState struct {
	started          bool
	candle           model.Candle
	lastCompletedTS  int64 // open_ts of the last bucket emitted as complete
	hasLastCompleted bool
}

// Aggregator builds candles for a single product across all granularities.
// Not goroutine-safe: designed for a single consumer goroutine.
type Aggregator struct {
	product       string
	granularities []int64
	states        map[int64]*bucketState

	// OnDroppedTrade is called when a late trade is discarded for a
	// granularity (optional).
	OnDroppedTrade func(product string, granularity int64)
}

// New creates an aggregator for one product.
func New(product string, granularities []int64) *Aggregator {
	states := make(map[int64]*bucketState, len(granularities))
	for _, g := range granularities {
		states[g] = &bucketState{}
	}
	return &Aggregator{
		product:       product,
		granularities: granularities,
		states:        states,
	}
}

// Process folds one trade into every granularity's forming bucket and
// returns the resulting emissions: at most one complete and one incomplete
// candle event per granularity, plus any gap events.
func (a *Aggregator) Process(tr model.Trade) ([]model.CandleEvent, []model.GapEvent) {
	events := make([]model.CandleEvent, 0, len(a.granularities)+1)
	var gaps []model.GapEvent

	for _, g := range a.granularities {
		bucket := model.BucketStart(tr.TS, g)
		st := a.states[g]

		if st.started && bucket < st.candle.OpenTS {
			// Late trade for an already-advanced bucket: drop.
			if a.OnDroppedTrade != nil {
				a.OnDroppedTrade(a.product, g)
			}
			continue
		}

		if st.started && bucket > st.candle.OpenTS {
			// Current bucket is complete. Idempotent via lastCompletedTS.
			if !st.hasLastCompleted || st.candle.OpenTS > st.lastCompletedTS {
				events = append(events, model.CandleEvent{
					Product:     a.product,
					Granularity: g,
					Type:        model.CandleComplete,
					Candle:      st.candle,
				})
				st.lastCompletedTS = st.candle.OpenTS
				st.hasLastCompleted = true
			}
			if bucket-st.candle.OpenTS > g {
				gaps = append(gaps, model.GapEvent{
					Product:        a.product,
					Granularity:    g,
					FirstMissingTS: st.candle.OpenTS + g,
					Count:          (bucket-st.candle.OpenTS)/g - 1,
				})
			}
			st.started = false
		}

		if !st.started {
			st.started = true
			st.candle = model.Candle{
				OpenTS: bucket,
				Open:   tr.Price,
				High:   tr.Price,
				Low:    tr.Price,
				Close:  tr.Price,
				Volume: tr.Size,
			}
		} else {
			c := &st.candle
			if tr.Price > c.High {
				c.High = tr.Price
			}
			if tr.Price < c.Low {
				c.Low = tr.Price
			}
			c.Close = tr.Price
			c.Volume += tr.Size
		}

		events = append(events, model.CandleEvent{
			Product:     a.product,
			Granularity: g,
			Type:        model.CandleIncomplete,
			Candle:      st.candle,
		})
	}

	return events, gaps
}

// Current returns the forming candle for a granularity, if any.
func (a *Aggregator) Current(granularity int64) (model.Candle, bool) {
	st, ok := a.states[granularity]
	if !ok || !st.started {
		return model.Candle{}, false
	}
	return st.candle, true
}

// Run consumes trades for this aggregator's product and forwards emissions.
// Candle and gap sends block so per-granularity completion order is
// preserved; slow consumers are shed downstream by the bus.
func (a *Aggregator) Run(ctx context.Context, trades <-chan model.Trade, out chan<- model.CandleEvent, gaps chan<- model.GapEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-trades:
			if !ok {
				return
			}
			events, gapEvents := a.Process(tr)
			for _, gap := range gapEvents {
				select {
				case gaps <- gap:
				case <-ctx.Done():
					return
				}
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Pool routes a shared trade stream into one Aggregator goroutine per
// product, creating aggregators on first sight of a product.
type Pool struct {
	granularities []int64

	mu     sync.Mutex
	inputs map[string]chan model.Trade
	wg     sync.WaitGroup

	// OnDroppedTrade is installed on every spawned aggregator.
	OnDroppedTrade func(product string, granularity int64)
}

// NewPool creates a Pool aggregating into the given granularities.
func NewPool(granularities []int64) *Pool {
	return &Pool{
		granularities: granularities,
		inputs:        make(map[string]chan model.Trade),
	}
}

// Run demuxes trades by product until ctx is cancelled or trades closes.
func (p *Pool) Run(ctx context.Context, trades <-chan model.Trade, out chan<- model.CandleEvent, gaps chan<- model.GapEvent) {
	defer func() {
		p.mu.Lock()
		for _, ch := range p.inputs {
			close(ch)
		}
		p.inputs = make(map[string]chan model.Trade)
		p.mu.Unlock()
		p.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-trades:
			if !ok {
				return
			}
			ch := p.input(ctx, tr.Product, out, gaps)
			select {
			case ch <- tr:
			default:
				log.Warn().Str("product", tr.Product).Msg("aggregator input full, dropping trade")
			}
		}
	}
}

func (p *Pool) input(ctx context.Context, product string, out chan<- model.CandleEvent, gaps chan<- model.GapEvent) chan model.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.inputs[product]; ok {
		return ch
	}

	ch := make(chan model.Trade, 1024)
	p.inputs[product] = ch

	agg := New(product, p.granularities)
	agg.OnDroppedTrade = p.OnDroppedTrade

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		agg.Run(ctx, ch, out, gaps)
	}()

	log.Debug().Str("product", product).Msg("aggregator started")
	return ch
}
