// Package updater keeps stored candle history fresh by polling the
// exchange REST API. Each (product, granularity) pair runs its own loop
// at the granularity's poll interval, re-fetching the trailing window so
// corrections upstream overwrite what the live aggregator produced.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
	"hermes-stream/internal/upstream"
)

const (
	// recentWindow is how many trailing buckets each poll re-fetches.
	recentWindow = 20

	// rateLimitPause is added on top of the poll interval after a 429.
	rateLimitPause = 2 * time.Second

	// pruneEvery bounds how often retention cleanup runs per pair.
	pruneEvery = time.Hour
)

// Fetcher is the REST candle source.
type Fetcher interface {
	FetchRecent(ctx context.Context, product string, granularity int64, n int) ([]model.Candle, error)
}

// Sink receives fetched candles and retention pruning.
type Sink interface {
	Store(ctx context.Context, product string, granularity int64, candles []model.Candle) (int, error)
	DeleteOlderThan(ctx context.Context, product string, granularity, cutoff int64) error
}

// Updater polls REST candles for every configured instrument. Only
// granularities the REST API serves natively are polled; derived buckets
// come from the live aggregator alone.
type Updater struct {
	fetcher Fetcher
	sink    Sink

	products      []string
	granularities []int64

	// Activity receives operation events for client dashboards (optional,
	// non-blocking sends).
	Activity chan<- model.ActivityEvent
	// OnPoll observes each completed poll (optional).
	OnPoll func(product string, granularity int64, stored int, err error)

	pollInterval func(int64) time.Duration
	now          func() time.Time
}

// New creates an updater for the given instruments.
func New(fetcher Fetcher, sink Sink, products []string, granularities []int64) *Updater {
	return &Updater{
		fetcher:       fetcher,
		sink:          sink,
		products:      products,
		granularities: granularities,
		pollInterval:  model.PollInterval,
		now:           time.Now,
	}
}

// Run starts one poll loop per (product, native granularity) and blocks
// until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, product := range u.products {
		for _, g := range u.granularities {
			if !model.NativeRESTGranularity(g) {
				continue
			}
			wg.Add(1)
			go func(product string, g int64) {
				defer wg.Done()
				u.pollLoop(ctx, product, g)
			}(product, g)
		}
	}
	wg.Wait()
}

func (u *Updater) pollLoop(ctx context.Context, product string, g int64) {
	label, _ := model.GranularityLabel(g)
	interval := u.pollInterval(g)
	log.Info().Str("product", product).Str("granularity", label).Dur("interval", interval).Msg("updater loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastPrune := time.Time{}
	for {
		// Poll immediately on start, then on each tick.
		if err := u.pollOnce(ctx, product, g, label); errors.Is(err, upstream.ErrRateLimited) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rateLimitPause):
			}
		}

		if u.now().Sub(lastPrune) >= pruneEvery {
			lastPrune = u.now()
			cutoff := u.now().Unix() - int64(model.RetentionDays(g))*86400
			if err := u.sink.DeleteOlderThan(ctx, product, g, cutoff); err != nil {
				log.Warn().Err(err).Str("product", product).Str("granularity", label).Msg("retention prune failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (u *Updater) pollOnce(ctx context.Context, product string, g int64, label string) error {
	u.emit(model.ActivityEvent{
		Type:        model.ActivityFetchStart,
		Product:     product,
		Granularity: label,
		Operation:   "rest_poll",
	})

	candles, err := u.fetcher.FetchRecent(ctx, product, g, recentWindow)
	if err != nil {
		u.emit(model.ActivityEvent{
			Type:        model.ActivityError,
			Product:     product,
			Granularity: label,
			Operation:   "rest_poll",
			Error:       err.Error(),
		})
		if u.OnPoll != nil {
			u.OnPoll(product, g, 0, err)
		}
		if !errors.Is(err, upstream.ErrRateLimited) {
			log.Warn().Err(err).Str("product", product).Str("granularity", label).Msg("candle poll failed")
		}
		return err
	}

	stored, err := u.sink.Store(ctx, product, g, candles)
	if err != nil {
		u.emit(model.ActivityEvent{
			Type:        model.ActivityError,
			Product:     product,
			Granularity: label,
			Operation:   "store",
			Error:       err.Error(),
		})
		if u.OnPoll != nil {
			u.OnPoll(product, g, 0, err)
		}
		return fmt.Errorf("store polled candles: %w", err)
	}

	ev := model.ActivityEvent{
		Type:        model.ActivityStoreComplete,
		Product:     product,
		Granularity: label,
		Operation:   "store",
		Count:       stored,
	}
	if len(candles) > 0 {
		ev.LatestPrice = candles[len(candles)-1].Close
	}
	u.emit(ev)

	if u.OnPoll != nil {
		u.OnPoll(product, g, stored, nil)
	}
	return nil
}

// emit sends an activity event without ever blocking a poll loop.
func (u *Updater) emit(ev model.ActivityEvent) {
	if u.Activity == nil {
		return
	}
	select {
	case u.Activity <- ev:
	default:
	}
}
