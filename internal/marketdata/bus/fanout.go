// Package bus broadcasts candle events from a single input channel to N
// output channels. A full output drops the event for that consumer so a
// slow subscriber cannot stall the pipeline.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
)

// FanOut distributes candle events to subscribed consumers.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.CandleEvent
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel.
func (f *FanOut) Subscribe() <-chan model.CandleEvent {
	ch := make(chan model.CandleEvent, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers. Blocks until ctx
// is cancelled or input is closed; output channels are closed on exit.
func (f *FanOut) Run(ctx context.Context, input <-chan model.CandleEvent) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Warn().Int("subscriber", i).Str("product", ev.Product).Msg("fanout output full, dropping candle event")
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports occupancy of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns occupancy for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
