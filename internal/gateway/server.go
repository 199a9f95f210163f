// Package gateway is the local-facing surface: it accepts client
// WebSockets, tracks their subscriptions, fans out market data and serves
// the REST hydration endpoints.
package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
	"hermes-stream/internal/upstream"
)

// Upstreamer is the subset of the upstream client the server drives when
// subscription refcounts cross zero.
type Upstreamer interface {
	SubscribeTrades(product string) error
	SubscribeTicker(product string) error
	SubscribeBook(product string) error
	Unsubscribe(product, channel string) error
}

// Server owns the client-facing WebSocket endpoint and its lifecycle.
type Server struct {
	hub      *Hub
	registry *Registry
	feed     Upstreamer

	// BotForwardURL, when set, receives unrecognized client frames by POST.
	BotForwardURL string

	upgrader websocket.Upgrader
	httpc    *http.Client
	draining atomic.Bool
}

// NewServer wires the WebSocket server over hub, registry and feed.
func NewServer(hub *Hub, registry *Registry, feed Upstreamer) *Server {
	return &Server{
		hub:      hub,
		registry: registry,
		feed:     feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		httpc: &http.Client{Timeout: 5 * time.Second},
	}
}

// HandleWS upgrades a client connection and starts its pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn)
	s.hub.AddClient(c)

	go c.writePump()
	c.Send(connectedFrame{Type: "connected", Message: "hermes-stream"}, false)
	s.hub.SendAllCachedSnapshots(c)

	go c.readPump(
		func(raw []byte) { s.handleFrame(c, raw) },
		func() { s.dropClient(c) },
	)
}

func (s *Server) handleFrame(c *Client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.Send(errorFrame{Type: "error", Error: "invalid JSON frame"}, false)
		return
	}

	switch frame.Type {
	case "subscribe":
		s.handleSubscribe(c, frame)
	case "unsubscribe":
		s.handleUnsubscribe(c, frame)
	case "requestLevel2Snapshot":
		if frame.Pair != "" {
			s.hub.SendCachedSnapshot(c, frame.Pair)
		} else {
			s.hub.SendAllCachedSnapshots(c)
		}
	case "":
		c.Send(errorFrame{Type: "error", Error: "missing frame type"}, false)
	default:
		s.forwardToBot(c, frame.Type, raw)
	}
}

func (s *Server) handleSubscribe(c *Client, frame inboundFrame) {
	seconds, ok := model.GranularitySeconds(frame.Granularity)
	if frame.Pair == "" || !ok {
		c.Send(errorFrame{
			Type:  "error",
			Error: "subscribe requires pair and one of: " + strings.Join(model.GranularityLabels(), ", "),
		}, false)
		return
	}

	first := s.registry.Add(c.ID, frame.Pair, frame.Granularity, seconds)
	if first {
		if err := s.feed.SubscribeTrades(frame.Pair); err != nil {
			log.Error().Err(err).Str("product", frame.Pair).Msg("upstream trades subscribe failed")
		}
		if err := s.feed.SubscribeTicker(frame.Pair); err != nil {
			log.Error().Err(err).Str("product", frame.Pair).Msg("upstream ticker subscribe failed")
		}
		if err := s.feed.SubscribeBook(frame.Pair); err != nil {
			log.Error().Err(err).Str("product", frame.Pair).Msg("upstream book subscribe failed")
		}
	}

	c.Send(ackFrame{Type: "subscribed", Pair: frame.Pair, Granularity: frame.Granularity}, false)
}

func (s *Server) handleUnsubscribe(c *Client, frame inboundFrame) {
	last := s.registry.Remove(c.ID, frame.Pair, frame.Granularity)
	if last {
		s.releaseUpstream(frame.Pair)
	}
	c.Send(ackFrame{Type: "unsubscribed", Pair: frame.Pair, Granularity: frame.Granularity}, false)
}

// releaseUpstream unsubscribes the product's channels once no granularity
// on it has subscribers left.
func (s *Server) releaseUpstream(product string) {
	if len(s.registry.ClientsForProduct(product)) > 0 {
		return
	}
	for _, ch := range []string{upstream.ChannelTrades, upstream.ChannelTicker, upstream.ChannelBook} {
		if err := s.feed.Unsubscribe(product, ch); err != nil {
			log.Warn().Err(err).Str("product", product).Str("channel", ch).Msg("upstream unsubscribe failed")
		}
	}
}

func (s *Server) dropClient(c *Client) {
	released := s.registry.DropClient(c.ID)
	s.hub.RemoveClient(c.ID)
	for _, pair := range released {
		s.releaseUpstream(pair[0])
	}
}

// forwardToBot relays an opaque command frame to the sibling bot service.
func (s *Server) forwardToBot(c *Client, frameType string, raw []byte) {
	if s.BotForwardURL == "" {
		c.Send(errorFrame{Type: "error", Error: "unknown frame type: " + frameType}, false)
		return
	}
	resp, err := s.httpc.Post(s.BotForwardURL, "application/json", bytes.NewReader(raw))
	if err != nil {
		log.Warn().Err(err).Str("frame_type", frameType).Msg("bot forward failed")
		return
	}
	resp.Body.Close()
}

// Drain stops accepting connections and closes every client with 1001.
func (s *Server) Drain() {
	s.draining.Store(true)
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.registry.Clear()
}

// Draining reports whether the server has begun shutdown.
func (s *Server) Draining() bool { return s.draining.Load() }
