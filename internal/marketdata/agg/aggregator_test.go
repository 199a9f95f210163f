package agg

import (
	"testing"

	"hermes-stream/internal/model"
)

func trade(price, size float64, ts int64) model.Trade {
	return model.Trade{Product: "BTC-USD", Price: price, Size: size, TS: ts, Side: model.SideBuy}
}

// filter returns the events of one type for one granularity.
func filter(events []model.CandleEvent, g int64, typ model.CandleType) []model.CandleEvent {
	var out []model.CandleEvent
	for _, ev := range events {
		if ev.Granularity == g && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestAggregator_BasicFold(t *testing.T) {
	a := New("BTC-USD", []int64{60})

	var all []model.CandleEvent
	for _, tr := range []model.Trade{
		trade(100, 1, 10),
		trade(101, 2, 30),
		trade(99, 1, 55),
	} {
		events, gaps := a.Process(tr)
		all = append(all, events...)
		if len(gaps) != 0 {
			t.Fatalf("unexpected gap events: %+v", gaps)
		}
	}

	if got := len(filter(all, 60, model.CandleComplete)); got != 0 {
		t.Fatalf("expected no complete candles yet, got %d", got)
	}

	// Trade in the next bucket completes open_ts=0 and opens open_ts=60.
	events, gaps := a.Process(trade(102, 1, 65))
	if len(gaps) != 0 {
		t.Fatalf("unexpected gap events: %+v", gaps)
	}

	completes := filter(events, 60, model.CandleComplete)
	if len(completes) != 1 {
		t.Fatalf("expected 1 complete candle, got %d", len(completes))
	}
	c := completes[0].Candle
	if c.OpenTS != 0 || c.Open != 100 || c.High != 101 || c.Low != 99 || c.Close != 99 || c.Volume != 4 {
		t.Errorf("unexpected complete candle: %+v", c)
	}

	incompletes := filter(events, 60, model.CandleIncomplete)
	if len(incompletes) != 1 {
		t.Fatalf("expected 1 incomplete candle, got %d", len(incompletes))
	}
	n := incompletes[0].Candle
	if n.OpenTS != 60 || n.Open != 102 || n.High != 102 || n.Low != 102 || n.Close != 102 || n.Volume != 1 {
		t.Errorf("unexpected incomplete candle: %+v", n)
	}
}

func TestAggregator_OHLCVInvariants(t *testing.T) {
	a := New("BTC-USD", []int64{60, 300})

	prices := []float64{100, 140, 80, 120, 95, 101, 99.5, 130}
	for i, p := range prices {
		events, _ := a.Process(trade(p, 0.5, int64(i*37)))
		for _, ev := range events {
			c := ev.Candle
			if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
				t.Fatalf("OHLC invariant violated: %+v", c)
			}
			if c.Volume < 0 {
				t.Fatalf("negative volume: %+v", c)
			}
			if c.OpenTS%ev.Granularity != 0 {
				t.Fatalf("open_ts %d not aligned to granularity %d", c.OpenTS, ev.Granularity)
			}
		}
	}
}

func TestAggregator_GapDetection(t *testing.T) {
	a := New("BTC-USD", []int64{60})

	a.Process(trade(100, 1, 10))

	// Last bucket open_ts=0; next trade at t=185 ⇒ buckets 60 and 120 missing.
	events, gaps := a.Process(trade(100, 1, 185))

	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap event, got %d", len(gaps))
	}
	gap := gaps[0]
	if gap.Granularity != 60 || gap.FirstMissingTS != 60 || gap.Count != 2 {
		t.Errorf("unexpected gap event: %+v", gap)
	}

	incompletes := filter(events, 60, model.CandleIncomplete)
	if len(incompletes) != 1 || incompletes[0].Candle.OpenTS != 180 {
		t.Errorf("expected new bucket at open_ts=180, got %+v", incompletes)
	}
}

func TestAggregator_NoGapOnAdjacentBuckets(t *testing.T) {
	a := New("BTC-USD", []int64{60})

	var gapCount int
	for _, ts := range []int64{5, 65, 125, 185, 245} {
		_, gaps := a.Process(trade(100, 1, ts))
		gapCount += len(gaps)
	}
	if gapCount != 0 {
		t.Errorf("expected zero gap events for contiguous stream, got %d", gapCount)
	}
}

func TestAggregator_LateTradeDropped(t *testing.T) {
	a := New("BTC-USD", []int64{60})
	dropped := 0
	a.OnDroppedTrade = func(string, int64) { dropped++ }

	a.Process(trade(100, 1, 10))
	a.Process(trade(101, 1, 70)) // completes bucket 0, opens bucket 60

	// Late trade for bucket 0: dropped, no emissions for this granularity.
	events, gaps := a.Process(trade(50, 1, 20))
	if len(events) != 0 || len(gaps) != 0 {
		t.Errorf("expected no emissions for late trade, got events=%+v gaps=%+v", events, gaps)
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped trade, got %d", dropped)
	}

	// The forming bucket must be untouched by the late trade.
	cur, ok := a.Current(60)
	if !ok || cur.OpenTS != 60 || cur.Low != 101 {
		t.Errorf("forming bucket corrupted by late trade: %+v", cur)
	}
}

func TestAggregator_CompletionMonotonic(t *testing.T) {
	a := New("BTC-USD", []int64{60})

	var completes []int64
	for _, ts := range []int64{5, 65, 130, 400, 460} {
		events, _ := a.Process(trade(100, 1, ts))
		for _, ev := range filter(events, 60, model.CandleComplete) {
			completes = append(completes, ev.Candle.OpenTS)
		}
	}

	if len(completes) < 3 {
		t.Fatalf("expected at least 3 completions, got %d", len(completes))
	}
	for i := 1; i < len(completes); i++ {
		if completes[i] <= completes[i-1] {
			t.Fatalf("completions not strictly increasing: %v", completes)
		}
	}
}

func TestAggregator_MultiGranularityIndependence(t *testing.T) {
	a := New("BTC-USD", []int64{60, 300})

	// Second minute closes the 1m bucket but not the 5m bucket.
	a.Process(trade(100, 1, 10))
	events, _ := a.Process(trade(110, 1, 70))

	if got := len(filter(events, 60, model.CandleComplete)); got != 1 {
		t.Errorf("expected 1m completion, got %d", got)
	}
	if got := len(filter(events, 300, model.CandleComplete)); got != 0 {
		t.Errorf("expected no 5m completion, got %d", got)
	}

	cur, ok := a.Current(300)
	if !ok || cur.Volume != 2 || cur.High != 110 {
		t.Errorf("5m forming bucket should span both trades: %+v", cur)
	}
}
