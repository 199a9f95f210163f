package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	labelMapTTL   = time.Hour
	sweepInterval = time.Minute
)

type subPair struct {
	product string
	label   string
}

type emitKey struct {
	client  string
	product string
	label   string
}

type labelKey struct {
	product string
	seconds int64
}

type labelEntry struct {
	label     string
	createdAt time.Time
}

// Registry tracks which client wants which (product, granularity) stream.
// It keeps the refcounts that decide when an upstream subscription is
// actually needed, the seconds-to-label mapping used when routing candle
// events, and the per-(client, subscription) last-emission clocks used by
// the hub's throttle.
type Registry struct {
	mu         sync.Mutex
	clientSubs map[string]map[subPair]struct{}
	active     map[subPair]int
	labels     map[labelKey]labelEntry
	lastEmit   map[emitKey]time.Time

	now func() time.Time
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		clientSubs: make(map[string]map[subPair]struct{}),
		active:     make(map[subPair]int),
		labels:     make(map[labelKey]labelEntry),
		lastEmit:   make(map[emitKey]time.Time),
		now:        time.Now,
	}
}

// Add records a client subscription. Returns true when this is the first
// subscriber for (product, label), meaning the caller should subscribe
// upstream.
func (r *Registry) Add(client, product, label string, seconds int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair := subPair{product, label}
	subs, ok := r.clientSubs[client]
	if !ok {
		subs = make(map[subPair]struct{})
		r.clientSubs[client] = subs
	}
	if _, dup := subs[pair]; dup {
		return false
	}
	subs[pair] = struct{}{}
	r.active[pair]++
	r.labels[labelKey{product, seconds}] = labelEntry{label: label, createdAt: r.now()}
	return r.active[pair] == 1
}

// Remove drops one client subscription. Returns true when the last
// subscriber left, meaning the caller should unsubscribe upstream.
func (r *Registry) Remove(client, product, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(client, subPair{product, label})
}

func (r *Registry) removeLocked(client string, pair subPair) bool {
	subs, ok := r.clientSubs[client]
	if !ok {
		return false
	}
	if _, held := subs[pair]; !held {
		return false
	}
	delete(subs, pair)
	if len(subs) == 0 {
		delete(r.clientSubs, client)
	}
	delete(r.lastEmit, emitKey{client, pair.product, pair.label})

	r.active[pair]--
	if r.active[pair] > 0 {
		return false
	}
	delete(r.active, pair)
	// No subscribers left: the seconds-to-label mapping goes with them so
	// candle events stop routing immediately.
	for key, e := range r.labels {
		if key.product == pair.product && e.label == pair.label {
			delete(r.labels, key)
		}
	}
	return true
}

// DropClient removes everything a client held. Returns the (product,
// label) pairs whose refcount reached zero so the caller can release the
// matching upstream channels.
func (r *Registry) DropClient(client string) [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.clientSubs[client]
	if !ok {
		return nil
	}
	pairs := make([]subPair, 0, len(subs))
	for pair := range subs {
		pairs = append(pairs, pair)
	}

	var released [][2]string
	for _, pair := range pairs {
		if r.removeLocked(client, pair) {
			released = append(released, [2]string{pair.product, pair.label})
		}
	}
	return released
}

// Label resolves a (product, seconds) pair to the label clients subscribed
// with; a candle event with no mapping is not routable.
func (r *Registry) Label(product string, seconds int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.labels[labelKey{product, seconds}]
	return e.label, ok
}

// SubscribersFor returns every client subscribed to (product, label).
func (r *Registry) SubscribersFor(product, label string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair := subPair{product, label}
	var out []string
	for client, subs := range r.clientSubs {
		if _, ok := subs[pair]; ok {
			out = append(out, client)
		}
	}
	return out
}

// ClientsForProduct returns every client subscribed to any granularity of
// the product (ticker fan-out).
func (r *Registry) ClientsForProduct(product string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for client, subs := range r.clientSubs {
		for pair := range subs {
			if pair.product == product {
				out = append(out, client)
				break
			}
		}
	}
	return out
}

// AllowEmit implements the per-(client, product, label) throttle: it
// returns true and advances the clock when at least window has elapsed
// since the last allowed emission. A zero window always passes.
func (r *Registry) AllowEmit(client, product, label string, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := emitKey{client, product, label}
	now := r.now()
	if window > 0 {
		if last, ok := r.lastEmit[key]; ok && now.Sub(last) < window {
			return false
		}
	}
	r.lastEmit[key] = now
	return true
}

// Sweep expires label mappings older than 1h whose subscription refcount
// is zero.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, e := range r.labels {
		if now.Sub(e.createdAt) < labelMapTTL {
			continue
		}
		if r.active[subPair{key.product, e.label}] > 0 {
			continue
		}
		delete(r.labels, key)
	}
}

// StartSweeper runs Sweep every minute until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Counts returns (clients, subscriptions) for /health.
func (r *Registry) Counts() (clients, subscriptions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subs := range r.clientSubs {
		subscriptions += len(subs)
	}
	return len(r.clientSubs), subscriptions
}

// Clear empties every map; used during drain.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientSubs = make(map[string]map[subPair]struct{})
	r.active = make(map[subPair]int)
	r.labels = make(map[labelKey]labelEntry)
	r.lastEmit = make(map[emitKey]time.Time)
	log.Debug().Msg("subscription registry cleared")
}
