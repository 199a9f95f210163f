package updater

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes-stream/internal/model"
	"hermes-stream/internal/upstream"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	candles []model.Candle
	err     error
}

func (f *fakeFetcher) FetchRecent(ctx context.Context, product string, g int64, n int) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, product)
	return f.candles, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	stored [][]model.Candle
	pruned []int64
}

func (s *fakeSink) Store(ctx context.Context, product string, g int64, candles []model.Candle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, candles)
	return len(candles), nil
}

func (s *fakeSink) DeleteOlderThan(ctx context.Context, product string, g, cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, cutoff)
	return nil
}

func TestPollOnce_StoresAndEmitsActivity(t *testing.T) {
	fetcher := &fakeFetcher{candles: []model.Candle{
		{OpenTS: 1705276800, Close: 100, Volume: 1},
		{OpenTS: 1705276860, Close: 101.5, Volume: 2},
	}}
	sink := &fakeSink{}
	activity := make(chan model.ActivityEvent, 8)

	u := New(fetcher, sink, []string{"BTC-USD"}, []int64{60})
	u.Activity = activity

	require.NoError(t, u.pollOnce(context.Background(), "BTC-USD", 60, "1m"))

	require.Len(t, sink.stored, 1)
	assert.Len(t, sink.stored[0], 2)

	first := <-activity
	assert.Equal(t, model.ActivityFetchStart, first.Type)
	assert.Equal(t, "BTC-USD", first.Product)
	assert.Equal(t, "1m", first.Granularity)

	second := <-activity
	assert.Equal(t, model.ActivityStoreComplete, second.Type)
	assert.Equal(t, 2, second.Count)
	assert.Equal(t, 101.5, second.LatestPrice)
}

func TestPollOnce_FetchErrorEmitsActivityError(t *testing.T) {
	fetcher := &fakeFetcher{err: assert.AnError}
	sink := &fakeSink{}
	activity := make(chan model.ActivityEvent, 8)

	u := New(fetcher, sink, []string{"BTC-USD"}, []int64{60})
	u.Activity = activity

	var polled error
	u.OnPoll = func(product string, g int64, stored int, err error) { polled = err }

	require.Error(t, u.pollOnce(context.Background(), "BTC-USD", 60, "1m"))
	assert.Empty(t, sink.stored)
	assert.ErrorIs(t, polled, assert.AnError)

	<-activity // fetch_start
	ev := <-activity
	assert.Equal(t, model.ActivityError, ev.Type)
	assert.NotEmpty(t, ev.Error)
}

func TestPollOnce_RateLimitedPropagates(t *testing.T) {
	fetcher := &fakeFetcher{err: upstream.ErrRateLimited}
	u := New(fetcher, &fakeSink{}, []string{"BTC-USD"}, []int64{60})
	err := u.pollOnce(context.Background(), "BTC-USD", 60, "1m")
	assert.ErrorIs(t, err, upstream.ErrRateLimited)
}

func TestRun_SkipsDerivedGranularities(t *testing.T) {
	fetcher := &fakeFetcher{}
	sink := &fakeSink{}

	// 1800 (30m) is not served natively by the candles endpoint.
	u := New(fetcher, sink, []string{"BTC-USD"}, []int64{1800})
	u.pollInterval = func(int64) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	u.Run(ctx)

	assert.Zero(t, fetcher.callCount())
}

func TestRun_PollsEachProductAndPrunes(t *testing.T) {
	fetcher := &fakeFetcher{candles: []model.Candle{{OpenTS: 1705276800, Close: 100}}}
	sink := &fakeSink{}

	u := New(fetcher, sink, []string{"BTC-USD", "ETH-USD"}, []int64{60})
	u.pollInterval = func(int64) time.Duration { return 5 * time.Millisecond }

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	u.Run(ctx)

	assert.GreaterOrEqual(t, fetcher.callCount(), 2, "both products polled")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.NotEmpty(t, sink.pruned, "retention prune ran on first cycle")
}
