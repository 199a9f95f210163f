package bus

import (
	"context"
	"testing"
	"time"

	"hermes-stream/internal/model"
)

func event(product string, ts int64) model.CandleEvent {
	return model.CandleEvent{
		Product:     product,
		Granularity: 60,
		Type:        model.CandleIncomplete,
		Candle:      model.Candle{OpenTS: ts, Open: 1, High: 1, Low: 1, Close: 1},
	}
}

func TestFanOut_AllSubscribersReceive(t *testing.T) {
	f := New(16)
	a := f.Subscribe()
	b := f.Subscribe()

	in := make(chan model.CandleEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, in)
		close(done)
	}()

	in <- event("BTC-USD", 0)
	in <- event("ETH-USD", 60)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected both subscribers to hold 2 events, got %d and %d", len(a), len(b))
	}
}

func TestFanOut_SlowSubscriberDrops(t *testing.T) {
	f := New(1)
	drops := make(chan int, 10)
	f.OnDrop = func(idx int) { drops <- idx }

	slow := f.Subscribe()

	in := make(chan model.CandleEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, in)
		close(done)
	}()

	in <- event("BTC-USD", 0)
	in <- event("BTC-USD", 60) // buffer of 1 is full: dropped
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if len(slow) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(slow))
	}
	select {
	case idx := <-drops:
		if idx != 0 {
			t.Errorf("expected drop on subscriber 0, got %d", idx)
		}
	default:
		t.Fatal("expected a drop callback")
	}
}

func TestFanOut_ClosesOutputsOnInputClose(t *testing.T) {
	f := New(4)
	out := f.Subscribe()

	in := make(chan model.CandleEvent)
	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), in)
		close(done)
	}()

	close(in)
	<-done

	if _, ok := <-out; ok {
		t.Fatal("expected output channel to be closed")
	}
}
