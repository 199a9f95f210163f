// Package book maintains per-product order books in Redis. Snapshots
// replace the whole book atomically; deltas mutate single levels. The
// authoritative state lives in Redis hashes; the engine keeps only change
// hashes and throttle windows in memory.
package book

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
	"hermes-stream/internal/store"
)

const (
	bookTTL = time.Hour

	// DeltaRate caps applied deltas per product per second.
	DeltaRate   = 10
	minInterval = time.Second / DeltaRate

	maxPublishedLevels = 50
)

func bidsKey(product string) string { return "book:" + product + ":bids" }
func asksKey(product string) string { return "book:" + product + ":asks" }
func metaKey(product string) string { return "book:" + product + ":meta" }

// DeltaChannel names the pub/sub channel for a product's book deltas.
func DeltaChannel(product string) string { return "orderbook:" + product + ":delta" }

// DeltaChannelPattern matches every product's delta channel.
const DeltaChannelPattern = "orderbook:*:delta"

// Engine owns all Redis writes for order books. Route each product's
// updates through a single Run loop to keep per-product apply order.
type Engine struct {
	rdb     goredis.Cmdable
	caches  *Caches
	breaker *store.Breaker

	// OnThrottled counts skipped deltas (optional).
	OnThrottled func(product string)
	// OnApplied counts applied snapshots/deltas (optional).
	OnApplied func(product string)

	now func() time.Time
}

// NewEngine creates an order-book engine on the given Redis client.
func NewEngine(rdb goredis.Cmdable, breaker *store.Breaker) *Engine {
	return &Engine{
		rdb:     rdb,
		caches:  NewCaches(),
		breaker: breaker,
		now:     time.Now,
	}
}

// Caches exposes the capped in-memory maps (pruning, health).
func (e *Engine) Caches() *Caches { return e.caches }

func formatPrice(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }
func formatSize(s float64) string  { return strconv.FormatFloat(s, 'f', -1, 64) }

// snapshotHash fingerprints the top 10 levels of each side.
func snapshotHash(bids, asks []model.BookLevel) string {
	h := md5.New()
	top := func(levels []model.BookLevel) {
		n := len(levels)
		if n > 10 {
			n = 10
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(h, "%s:%s,", formatPrice(levels[i].Price), formatSize(levels[i].Size))
		}
	}
	top(bids)
	h.Write([]byte("|"))
	top(asks)
	return hex.EncodeToString(h.Sum(nil))
}

// ApplySnapshot atomically replaces a product's book. Returns false when
// the snapshot was skipped because the top levels are unchanged.
func (e *Engine) ApplySnapshot(ctx context.Context, snap model.BookSnapshot) (bool, error) {
	hash := snapshotHash(snap.Bids, snap.Asks)
	if !e.caches.HasChanged(snap.ProductID, hash) {
		return false, nil
	}

	err := e.breaker.Do(func() error {
		pipe := e.rdb.TxPipeline()
		pipe.Del(ctx, bidsKey(snap.ProductID))
		pipe.Del(ctx, asksKey(snap.ProductID))

		if len(snap.Bids) > 0 {
			pipe.HSet(ctx, bidsKey(snap.ProductID), levelArgs(snap.Bids)...)
		}
		if len(snap.Asks) > 0 {
			pipe.HSet(ctx, asksKey(snap.ProductID), levelArgs(snap.Asks)...)
		}

		meta := buildMeta(snap.Bids, snap.Asks, e.now())
		metaJSON, _ := json.Marshal(meta)
		pipe.HSet(ctx, metaKey(snap.ProductID), "data", string(metaJSON))

		pipe.Expire(ctx, bidsKey(snap.ProductID), bookTTL)
		pipe.Expire(ctx, asksKey(snap.ProductID), bookTTL)
		pipe.Expire(ctx, metaKey(snap.ProductID), bookTTL)

		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("apply snapshot %s: %w", snap.ProductID, err)
	}

	e.caches.RecordSnapshot(snap.ProductID, hash)
	if e.OnApplied != nil {
		e.OnApplied(snap.ProductID)
	}
	return true, nil
}

func levelArgs(levels []model.BookLevel) []interface{} {
	args := make([]interface{}, 0, len(levels)*2)
	for _, l := range levels {
		args = append(args, formatPrice(l.Price), formatSize(l.Size))
	}
	return args
}

func buildMeta(bids, asks []model.BookLevel, now time.Time) model.BookMeta {
	meta := model.BookMeta{
		BidCount:     len(bids),
		AskCount:     len(asks),
		LastUpdateMs: now.UnixMilli(),
	}
	for _, b := range bids {
		if b.Price > meta.BestBid {
			meta.BestBid = b.Price
		}
	}
	for i, a := range asks {
		if i == 0 || a.Price < meta.BestAsk {
			meta.BestAsk = a.Price
		}
	}
	if meta.BestBid > 0 && meta.BestAsk > 0 {
		meta.Mid = (meta.BestBid + meta.BestAsk) / 2
	}
	return meta
}

// ApplyDelta mutates single price levels: size 0 removes the level,
// anything else upserts it. The snapshot hash is invalidated so the next
// snapshot writes through.
func (e *Engine) ApplyDelta(ctx context.Context, upd model.BookUpdate) error {
	err := e.breaker.Do(func() error {
		pipe := e.rdb.TxPipeline()
		for _, ch := range upd.Changes {
			key := asksKey(upd.ProductID)
			if ch.Side == model.BidSide {
				key = bidsKey(upd.ProductID)
			}
			if ch.Size == 0 {
				pipe.HDel(ctx, key, formatPrice(ch.Price))
			} else {
				pipe.HSet(ctx, key, formatPrice(ch.Price), formatSize(ch.Size))
			}
		}
		pipe.HSet(ctx, metaKey(upd.ProductID), "lastUpdate", strconv.FormatInt(e.now().UnixMilli(), 10))
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply delta %s: %w", upd.ProductID, err)
	}

	e.caches.InvalidateSnapshot(upd.ProductID)
	if e.OnApplied != nil {
		e.OnApplied(upd.ProductID)
	}
	return nil
}

// GetFull returns the whole book, bids descending and asks ascending,
// with metadata. While Redis is unavailable the result is empty.
func (e *Engine) GetFull(ctx context.Context, product string) ([]model.BookLevel, []model.BookLevel, *model.BookMeta, error) {
	var bids, asks []model.BookLevel
	var meta *model.BookMeta

	err := e.breaker.Do(func() error {
		rawBids, err := e.rdb.HGetAll(ctx, bidsKey(product)).Result()
		if err != nil {
			return err
		}
		rawAsks, err := e.rdb.HGetAll(ctx, asksKey(product)).Result()
		if err != nil {
			return err
		}
		bids = parseLevels(rawBids)
		asks = parseLevels(rawAsks)
		sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
		sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

		if raw, err := e.rdb.HGet(ctx, metaKey(product), "data").Result(); err == nil {
			var m model.BookMeta
			if json.Unmarshal([]byte(raw), &m) == nil {
				meta = &m
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStoreDisabled) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("get book %s: %w", product, err)
	}
	return bids, asks, meta, nil
}

// GetRange returns levels with price in [min, max], sorted as in GetFull.
func (e *Engine) GetRange(ctx context.Context, product string, min, max float64) ([]model.BookLevel, []model.BookLevel, error) {
	bids, asks, _, err := e.GetFull(ctx, product)
	if err != nil {
		return nil, nil, err
	}
	return filterRange(bids, min, max), filterRange(asks, min, max), nil
}

// GetTop returns the top n levels of each side.
func (e *Engine) GetTop(ctx context.Context, product string, n int) ([]model.BookLevel, []model.BookLevel, error) {
	bids, asks, _, err := e.GetFull(ctx, product)
	if err != nil {
		return nil, nil, err
	}
	if len(bids) > n {
		bids = bids[:n]
	}
	if len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks, nil
}

func parseLevels(raw map[string]string) []model.BookLevel {
	levels := make([]model.BookLevel, 0, len(raw))
	for priceStr, sizeStr := range raw {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(sizeStr, 64)
		if err != nil {
			continue
		}
		levels = append(levels, model.BookLevel{Price: price, Size: size})
	}
	return levels
}

func filterRange(levels []model.BookLevel, min, max float64) []model.BookLevel {
	out := levels[:0:0]
	for _, l := range levels {
		if l.Price >= min && l.Price <= max {
			out = append(out, l)
		}
	}
	return out
}

// PublishDelta publishes changed levels on the product's delta channel,
// capped at 50 levels per side.
func (e *Engine) PublishDelta(ctx context.Context, upd model.BookUpdate) error {
	delta := model.BookDelta{
		ProductID: upd.ProductID,
		Timestamp: upd.TimeMs,
	}
	if delta.Timestamp == 0 {
		delta.Timestamp = e.now().UnixMilli()
	}
	for _, ch := range upd.Changes {
		level := model.BookLevel{Price: ch.Price, Size: ch.Size}
		if ch.Side == model.BidSide {
			if len(delta.Bids) < maxPublishedLevels {
				delta.Bids = append(delta.Bids, level)
			}
		} else if len(delta.Asks) < maxPublishedLevels {
			delta.Asks = append(delta.Asks, level)
		}
	}

	payload, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	return e.breaker.Do(func() error {
		return e.rdb.Publish(ctx, DeltaChannel(upd.ProductID), string(payload)).Err()
	})
}

// Run is the single writer task for all book state: snapshots write
// through (deduplicated by hash), deltas are throttled per product before
// touching Redis and then published for fan-out.
func (e *Engine) Run(ctx context.Context, snapshots <-chan model.BookSnapshot, updates <-chan model.BookUpdate) {
	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if _, err := e.ApplySnapshot(ctx, snap); err != nil && !errors.Is(err, store.ErrStoreDisabled) {
				log.Error().Err(err).Str("product", snap.ProductID).Msg("book snapshot write failed")
			}

		case upd, ok := <-updates:
			if !ok {
				return
			}
			if e.caches.ShouldThrottle(upd.ProductID, minInterval) {
				if e.OnThrottled != nil {
					e.OnThrottled(upd.ProductID)
				}
				continue
			}
			if err := e.ApplyDelta(ctx, upd); err != nil {
				if !errors.Is(err, store.ErrStoreDisabled) {
					log.Error().Err(err).Str("product", upd.ProductID).Msg("book delta write failed")
				}
				continue
			}
			if err := e.PublishDelta(ctx, upd); err != nil && !errors.Is(err, store.ErrStoreDisabled) {
				log.Error().Err(err).Str("product", upd.ProductID).Msg("book delta publish failed")
			}
		}
	}
}
