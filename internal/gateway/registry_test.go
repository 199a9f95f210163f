package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRegistry(start time.Time) (*Registry, *time.Time) {
	now := start
	r := NewRegistry()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_RefcountLifecycle(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))

	assert.True(t, r.Add("c1", "BTC-USD", "1m", 60), "first subscriber triggers upstream")
	assert.False(t, r.Add("c2", "BTC-USD", "1m", 60), "second subscriber does not")
	assert.False(t, r.Add("c2", "BTC-USD", "1m", 60), "duplicate add is a no-op")

	assert.False(t, r.Remove("c1", "BTC-USD", "1m"), "one subscriber remains")
	assert.True(t, r.Remove("c2", "BTC-USD", "1m"), "last subscriber releases upstream")
	assert.False(t, r.Remove("c2", "BTC-USD", "1m"), "remove of absent sub is a no-op")
}

func TestRegistry_LabelMapping(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "BTC-USD", "5m", 300)

	label, ok := r.Label("BTC-USD", 300)
	assert.True(t, ok)
	assert.Equal(t, "5m", label)

	_, ok = r.Label("BTC-USD", 60)
	assert.False(t, ok, "no mapping until someone subscribes")
	_, ok = r.Label("ETH-USD", 300)
	assert.False(t, ok)
}

func TestRegistry_DropClientReleasesSoleChannels(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "BTC-USD", "1m", 60)
	r.Add("c1", "ETH-USD", "5m", 300)
	r.Add("c2", "BTC-USD", "1m", 60)

	released := r.DropClient("c1")
	assert.Equal(t, [][2]string{{"ETH-USD", "5m"}}, released, "only the solely-held pair is released")

	clients, subs := r.Counts()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, subs)

	assert.Nil(t, r.DropClient("c1"), "dropping twice is a no-op")
}

func TestRegistry_SubscriberQueries(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "BTC-USD", "1m", 60)
	r.Add("c2", "BTC-USD", "5m", 300)
	r.Add("c3", "ETH-USD", "1m", 60)

	assert.ElementsMatch(t, []string{"c1"}, r.SubscribersFor("BTC-USD", "1m"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ClientsForProduct("BTC-USD"))
	assert.ElementsMatch(t, []string{"c3"}, r.ClientsForProduct("ETH-USD"))
}

func TestRegistry_AllowEmitThrottle(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r, now := newTestRegistry(base)
	window := time.Second

	// 100 attempts at 10ms spacing: one delivery per full window.
	delivered := 0
	for i := 0; i < 100; i++ {
		*now = base.Add(time.Duration(i) * 10 * time.Millisecond)
		if r.AllowEmit("c1", "BTC-USD", "1m", window) {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)

	// Zero window (complete candles) always passes.
	for i := 0; i < 10; i++ {
		assert.True(t, r.AllowEmit("c1", "BTC-USD", "1m", 0))
	}

	// Throttle state is per client.
	assert.True(t, r.AllowEmit("c2", "BTC-USD", "1m", window))
}

func TestRegistry_EmitStateClearedOnRemove(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "BTC-USD", "1m", 60)
	assert.True(t, r.AllowEmit("c1", "BTC-USD", "1m", time.Second))
	assert.False(t, r.AllowEmit("c1", "BTC-USD", "1m", time.Second))

	r.Remove("c1", "BTC-USD", "1m")
	r.Add("c1", "BTC-USD", "1m", 60)
	assert.True(t, r.AllowEmit("c1", "BTC-USD", "1m", time.Second), "resubscribe starts with a fresh window")
}

func TestRegistry_LabelEvictedWithLastSubscriber(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "ETH-USD", "1m", 60)
	r.Add("c2", "ETH-USD", "1m", 60)

	r.Remove("c1", "ETH-USD", "1m")
	_, ok := r.Label("ETH-USD", 60)
	assert.True(t, ok, "mapping survives while a subscriber remains")

	r.Remove("c2", "ETH-USD", "1m")
	_, ok = r.Label("ETH-USD", 60)
	assert.False(t, ok, "last remove evicts the mapping immediately")
}

func TestRegistry_DropClientEvictsLabels(t *testing.T) {
	r, _ := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.Add("c1", "BTC-USD", "5m", 300)

	r.DropClient("c1")
	_, ok := r.Label("BTC-USD", 300)
	assert.False(t, ok)
}

func TestRegistry_SweepExpiresOrphanedLabels(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r, now := newTestRegistry(base)

	r.Add("c1", "BTC-USD", "1m", 60)
	// Orphaned mapping with no backing refcount; the sweep is the backstop
	// for entries the remove path never saw.
	r.labels[labelKey{"ETH-USD", 60}] = labelEntry{label: "1m", createdAt: base}

	*now = base.Add(2 * time.Hour)
	r.Sweep()

	_, ok := r.Label("ETH-USD", 60)
	assert.False(t, ok, "idle unreferenced mapping expired")
	_, ok = r.Label("BTC-USD", 60)
	assert.True(t, ok, "referenced mapping survives regardless of age")
}
