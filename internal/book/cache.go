package book

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache caps per §4.4: LRU eviction keeps the most recently touched
// entries when a map overflows; the sweep drops entries past their TTL.
const (
	snapshotCacheCap = 50
	clientStateCap   = 1000
	throttleCacheCap = 100

	snapshotTTL    = 5 * time.Second
	clientStateTTL = 5 * time.Minute
	throttleTTL    = 10 * time.Second

	pruneInterval = 60 * time.Second
)

type snapshotEntry struct {
	hash string
	ts   time.Time
}

type timedEntry struct {
	ts time.Time
}

// Caches holds the engine's in-memory working state: snapshot change
// hashes, per-product throttle timestamps and the reserved client-state
// map. All maps are capped and periodically pruned.
type Caches struct {
	mu        sync.Mutex
	snapshots *lru.Cache // product → snapshotEntry
	// clientStates is reserved for per-client delta deduplication; nothing
	// reads it yet but it participates in capping and pruning.
	clientStates *lru.Cache // client key → timedEntry
	throttle     *lru.Cache // product → time.Time of last applied delta

	now func() time.Time
}

// NewCaches builds the capped cache set.
func NewCaches() *Caches {
	snapshots, _ := lru.New(snapshotCacheCap)
	clientStates, _ := lru.New(clientStateCap)
	throttle, _ := lru.New(throttleCacheCap)
	return &Caches{
		snapshots:    snapshots,
		clientStates: clientStates,
		throttle:     throttle,
		now:          time.Now,
	}
}

// HasChanged reports whether a snapshot with the given top-level hash
// should be written: true when there is no cached entry, the entry is
// stale (>5s), or the book's top levels differ from the cached hash.
func (c *Caches) HasChanged(product, hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.snapshots.Get(product)
	if !ok {
		return true
	}
	entry := v.(snapshotEntry)
	if c.now().Sub(entry.ts) > snapshotTTL {
		return true
	}
	return entry.hash != hash
}

// RecordSnapshot stores the change hash for a product.
func (c *Caches) RecordSnapshot(product, hash string) {
	c.mu.Lock()
	c.snapshots.Add(product, snapshotEntry{hash: hash, ts: c.now()})
	c.mu.Unlock()
}

// InvalidateSnapshot drops the cached hash so the next snapshot writes.
func (c *Caches) InvalidateSnapshot(product string) {
	c.mu.Lock()
	c.snapshots.Remove(product)
	c.mu.Unlock()
}

// ShouldThrottle reports whether a delta for the product falls inside the
// minimum interval window. When it does not, the window is advanced.
func (c *Caches) ShouldThrottle(product string, minInterval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if v, ok := c.throttle.Get(product); ok {
		if now.Sub(v.(time.Time)) < minInterval {
			return true
		}
	}
	c.throttle.Add(product, now)
	return false
}

// TouchClientState records activity for a client key.
func (c *Caches) TouchClientState(key string) {
	c.mu.Lock()
	c.clientStates.Add(key, timedEntry{ts: c.now()})
	c.mu.Unlock()
}

// Prune drops entries older than their per-map TTL. LRU capping already
// bounds size; this reclaims memory for idle products.
func (c *Caches) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	for _, k := range c.snapshots.Keys() {
		if v, ok := c.snapshots.Peek(k); ok && now.Sub(v.(snapshotEntry).ts) > snapshotTTL {
			c.snapshots.Remove(k)
		}
	}
	for _, k := range c.clientStates.Keys() {
		if v, ok := c.clientStates.Peek(k); ok && now.Sub(v.(timedEntry).ts) > clientStateTTL {
			c.clientStates.Remove(k)
		}
	}
	for _, k := range c.throttle.Keys() {
		if v, ok := c.throttle.Peek(k); ok && now.Sub(v.(time.Time)) > throttleTTL {
			c.throttle.Remove(k)
		}
	}
}

// StartPruner runs the periodic sweep until ctx is cancelled.
func (c *Caches) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Prune()
			}
		}
	}()
}

// Sizes returns current occupancy of the three maps, for /health.
func (c *Caches) Sizes() (snapshots, clientStates, throttle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots.Len(), c.clientStates.Len(), c.throttle.Len()
}
