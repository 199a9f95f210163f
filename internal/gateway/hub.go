package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"hermes-stream/internal/book"
	"hermes-stream/internal/model"
)

// defaultIncompleteWindow is the minimum interval between successive
// incomplete-candle frames to one (client, product, granularity).
// Complete candles are never throttled.
const defaultIncompleteWindow = time.Second

// Hub fans upstream events out to local clients. Candles are routed by
// subscription and throttled per (client, subscription); tickers go to
// every client on the product; book frames and pub/sub deltas go to
// everyone.
type Hub struct {
	registry *Registry

	mu      sync.RWMutex
	clients map[string]*Client
	// latest full snapshot per product, for new-client hydration
	snapshots map[string]model.BookSnapshot

	IncompleteWindow time.Duration

	// OnBroadcast counts delivered frames by type (optional).
	OnBroadcast func(frameType string)
}

// NewHub creates a hub over the given registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry:         registry,
		clients:          make(map[string]*Client),
		snapshots:        make(map[string]model.BookSnapshot),
		IncompleteWindow: defaultIncompleteWindow,
	}
}

// AddClient registers a connected client for fan-out.
func (h *Hub) AddClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client", c.ID).Int("total", count).Msg("client connected")
}

// RemoveClient forgets a client; the caller owns socket teardown and
// registry cleanup.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	count := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client", id).Int("total", count).Msg("client disconnected")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) allClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every client socket with the given code (drain).
func (h *Hub) CloseAll(code int, reason string) {
	for _, c := range h.allClients() {
		c.CloseWithCode(code, reason)
	}
	h.mu.Lock()
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
}

// RunCandles routes aggregator events to subscribed clients until the
// channel closes or ctx is cancelled.
func (h *Hub) RunCandles(ctx context.Context, events <-chan model.CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.dispatchCandle(ev)
		}
	}
}

func (h *Hub) dispatchCandle(ev model.CandleEvent) {
	label, ok := h.registry.Label(ev.Product, ev.Granularity)
	if !ok {
		return // nobody ever subscribed with a label for this pair
	}

	window := h.IncompleteWindow
	droppable := true
	if ev.Type == model.CandleComplete {
		window = 0
		droppable = false
	}

	frame := newCandleFrame(ev, label)
	for _, id := range h.registry.SubscribersFor(ev.Product, label) {
		if !h.registry.AllowEmit(id, ev.Product, label, window) {
			continue
		}
		if c := h.client(id); c != nil {
			c.Send(frame, droppable)
			h.count("candle")
		}
	}
}

// RunTickers fans ticker updates out to every client subscribed to any
// granularity of the product. No throttle.
func (h *Hub) RunTickers(ctx context.Context, tickers <-chan model.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			frame := tickerFrame{Type: "ticker", Data: t}
			for _, id := range h.registry.ClientsForProduct(t.ProductID) {
				if c := h.client(id); c != nil {
					c.Send(frame, true)
					h.count("ticker")
				}
			}
		}
	}
}

// RunBooks forwards book snapshots and updates to all clients and keeps
// the latest snapshot per product for hydration.
func (h *Hub) RunBooks(ctx context.Context, snapshots <-chan model.BookSnapshot, updates <-chan model.BookUpdate) {
	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			h.mu.Lock()
			h.snapshots[snap.ProductID] = snap
			h.mu.Unlock()
			h.broadcast(snapshotToLevel2(snap), true, "level2")

		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.broadcast(updateToLevel2(upd), true, "level2")
		}
	}
}

// RunActivity forwards database-activity events to all clients.
func (h *Hub) RunActivity(ctx context.Context, events <-chan model.ActivityEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(activityFrame{Type: "database_activity", Data: ev}, true, "database_activity")
		}
	}
}

// RunPubSub bridges Redis order-book delta channels to clients. Each
// message is parsed once and re-enveloped for everyone.
func (h *Hub) RunPubSub(ctx context.Context, rdb *goredis.Client) {
	sub := rdb.PSubscribe(ctx, book.DeltaChannelPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !json.Valid([]byte(msg.Payload)) {
				log.Debug().Str("channel", msg.Channel).Msg("dropping malformed delta payload")
				continue
			}
			h.broadcast(deltaFrame{
				Type:    "orderbook-delta",
				Channel: msg.Channel,
				Data:    json.RawMessage(msg.Payload),
			}, true, "orderbook-delta")
		}
	}
}

func (h *Hub) broadcast(v interface{}, droppable bool, frameType string) {
	for _, c := range h.allClients() {
		c.Send(v, droppable)
		h.count(frameType)
	}
}

func (h *Hub) count(frameType string) {
	if h.OnBroadcast != nil {
		h.OnBroadcast(frameType)
	}
}

// SendCachedSnapshot delivers the latest known book snapshot for the
// product, if any. Used on connect and requestLevel2Snapshot.
func (h *Hub) SendCachedSnapshot(c *Client, product string) bool {
	h.mu.RLock()
	snap, ok := h.snapshots[product]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.Send(snapshotToLevel2(snap), false)
	return true
}

// SendAllCachedSnapshots hydrates a new client with every cached book.
func (h *Hub) SendAllCachedSnapshots(c *Client) {
	h.mu.RLock()
	snaps := make([]model.BookSnapshot, 0, len(h.snapshots))
	for _, s := range h.snapshots {
		snaps = append(snaps, s)
	}
	h.mu.RUnlock()
	for _, s := range snaps {
		c.Send(snapshotToLevel2(s), false)
	}
}
