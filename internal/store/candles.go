// Package store persists candles in Redis and archives completed ones in
// SQLite. Redis holds the serving window (day-bucketed sorted sets with a
// retention TTL per granularity); SQLite keeps the long tail.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"hermes-stream/internal/model"
)

// CandleStore reads and writes candle history in Redis. One sorted set per
// (product, granularity, UTC day), scored by bucket open time, so expiry
// works at day granularity via a plain TTL.
type CandleStore struct {
	rdb     goredis.Cmdable
	breaker *Breaker
	now     func() time.Time
}

// NewCandleStore creates a candle store sharing the given breaker.
func NewCandleStore(rdb goredis.Cmdable, breaker *Breaker) *CandleStore {
	return &CandleStore{rdb: rdb, breaker: breaker, now: time.Now}
}

func dayLabel(ts int64) string {
	return time.Unix(model.DayStart(ts), 0).UTC().Format("2006-01-02")
}

func candleKey(product, label string, ts int64) string {
	return "candles:" + product + ":" + label + ":" + dayLabel(ts)
}

func candleMetaKey(product, label string) string {
	return "meta:" + product + ":" + label
}

// Metadata summarizes stored history for one (product, granularity).
type Metadata struct {
	FirstTimestamp int64 `json:"firstTimestamp"`
	LastTimestamp  int64 `json:"lastTimestamp"`
	TotalCandles   int64 `json:"totalCandles"`
}

// Store upserts candles for one (product, granularity). Existing members
// at the same open time are replaced, so re-storing a corrected candle is
// idempotent. Returns the number of candles written.
func (s *CandleStore) Store(ctx context.Context, product string, granularity int64, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	label, ok := model.GranularityLabel(granularity)
	if !ok {
		return 0, fmt.Errorf("store candles: unsupported granularity %d", granularity)
	}
	ttl := time.Duration(model.RetentionDays(granularity)) * 24 * time.Hour

	// Group by day bucket to keep one pipeline round per key.
	byDay := make(map[string][]model.Candle)
	for _, c := range candles {
		key := candleKey(product, label, c.OpenTS)
		byDay[key] = append(byDay[key], c)
	}

	// Replacing an existing bucket removes one member and adds one back,
	// so added-removed is the number of genuinely new candles.
	var newMembers int64
	err := s.breaker.Do(func() error {
		pipe := s.rdb.TxPipeline()
		var remCmds, addCmds []*goredis.IntCmd
		for key, group := range byDay {
			for _, c := range group {
				score := float64(c.OpenTS)
				remCmds = append(remCmds, pipe.ZRemRangeByScore(ctx, key, formatScore(c.OpenTS), formatScore(c.OpenTS)))
				addCmds = append(addCmds, pipe.ZAdd(ctx, key, &goredis.Z{Score: score, Member: string(c.JSON())}))
			}
			pipe.Expire(ctx, key, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		for _, cmd := range addCmds {
			newMembers += cmd.Val()
		}
		for _, cmd := range remCmds {
			newMembers -= cmd.Val()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store candles %s %s: %w", product, label, err)
	}

	if err := s.updateMetadata(ctx, product, label, candles, newMembers); err != nil {
		return len(candles), err
	}
	return len(candles), nil
}

func formatScore(ts int64) string { return strconv.FormatInt(ts, 10) }

// updateMetadata widens the stored first/last bounds and advances the
// running member count by newMembers. totalCandles is a count of distinct
// buckets, so an upsert that only replaced existing candles leaves it
// untouched.
func (s *CandleStore) updateMetadata(ctx context.Context, product, label string, candles []model.Candle, newMembers int64) error {
	first, last := candles[0].OpenTS, candles[0].OpenTS
	for _, c := range candles[1:] {
		if c.OpenTS < first {
			first = c.OpenTS
		}
		if c.OpenTS > last {
			last = c.OpenTS
		}
	}

	key := candleMetaKey(product, label)
	return s.breaker.Do(func() error {
		existing, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if v, ok := existing["firstTimestamp"]; ok {
			if prev, err := strconv.ParseInt(v, 10, 64); err == nil && prev < first {
				first = prev
			}
		}
		if v, ok := existing["lastTimestamp"]; ok {
			if prev, err := strconv.ParseInt(v, 10, 64); err == nil && prev > last {
				last = prev
			}
		}
		if err := s.rdb.HSet(ctx, key,
			"firstTimestamp", formatScore(first),
			"lastTimestamp", formatScore(last),
		).Err(); err != nil {
			return err
		}
		if newMembers == 0 {
			return nil
		}
		return s.rdb.HIncrBy(ctx, key, "totalCandles", newMembers).Err()
	})
}

// GetRange returns candles with open time in [start, end], ascending. It
// walks every day bucket the range touches; missing days simply yield
// nothing. While Redis is unavailable the result is empty.
func (s *CandleStore) GetRange(ctx context.Context, product string, granularity, start, end int64) ([]model.Candle, error) {
	if end < start {
		return nil, nil
	}
	label, ok := model.GranularityLabel(granularity)
	if !ok {
		return nil, fmt.Errorf("get candles: unsupported granularity %d", granularity)
	}

	var out []model.Candle
	err := s.breaker.Do(func() error {
		for day := model.DayStart(start); day <= model.DayStart(end); day += 86400 {
			members, err := s.rdb.ZRangeByScore(ctx, candleKey(product, label, day), &goredis.ZRangeBy{
				Min: formatScore(start),
				Max: formatScore(end),
			}).Result()
			if err != nil {
				return err
			}
			for _, m := range members {
				var c model.Candle
				if json.Unmarshal([]byte(m), &c) != nil {
					continue
				}
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		if err == ErrStoreDisabled {
			return nil, nil
		}
		return nil, fmt.Errorf("get candles %s %s: %w", product, label, err)
	}
	return out, nil
}

// GetMetadata returns the stored bounds for one (product, granularity);
// nil when nothing has been stored yet.
func (s *CandleStore) GetMetadata(ctx context.Context, product string, granularity int64) (*Metadata, error) {
	label, ok := model.GranularityLabel(granularity)
	if !ok {
		return nil, fmt.Errorf("candle metadata: unsupported granularity %d", granularity)
	}

	var meta *Metadata
	err := s.breaker.Do(func() error {
		raw, err := s.rdb.HGetAll(ctx, candleMetaKey(product, label)).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		m := &Metadata{}
		m.FirstTimestamp, _ = strconv.ParseInt(raw["firstTimestamp"], 10, 64)
		m.LastTimestamp, _ = strconv.ParseInt(raw["lastTimestamp"], 10, 64)
		m.TotalCandles, _ = strconv.ParseInt(raw["totalCandles"], 10, 64)
		meta = m
		return nil
	})
	if err != nil {
		if err == ErrStoreDisabled {
			return nil, nil
		}
		return nil, err
	}
	return meta, nil
}

// DeleteOlderThan removes candles with open time below cutoff. Whole days
// before the cutoff's day are dropped with the key; the cutoff's own day
// is trimmed in place.
func (s *CandleStore) DeleteOlderThan(ctx context.Context, product string, granularity, cutoff int64) error {
	label, ok := model.GranularityLabel(granularity)
	if !ok {
		return fmt.Errorf("delete candles: unsupported granularity %d", granularity)
	}

	horizon := int64(model.RetentionDays(granularity)) * 86400
	return s.breaker.Do(func() error {
		pipe := s.rdb.TxPipeline()
		cutoffDay := model.DayStart(cutoff)
		for day := cutoffDay - horizon; day < cutoffDay; day += 86400 {
			pipe.Del(ctx, candleKey(product, label, day))
		}
		pipe.ZRemRangeByScore(ctx, candleKey(product, label, cutoffDay), "-inf", "("+formatScore(cutoff))
		_, err := pipe.Exec(ctx)
		return err
	})
}
