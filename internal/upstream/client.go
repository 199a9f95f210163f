// Package upstream maintains the authenticated WebSocket to the exchange
// feed and decodes its frames into typed events. A single Client owns the
// connection; reconnects use exponential backoff and re-send every desired
// subscription on open.
package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"hermes-stream/internal/auth"
	"hermes-stream/internal/model"
)

// State of the upstream connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateBackoff
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateBackoff:
		return "backoff"
	case StateGaveUp:
		return "gave_up"
	}
	return "unknown"
}

// Channel names on the wire.
const (
	ChannelTicker = "ticker"
	ChannelTrades = "market_trades"
	ChannelBook   = "l2_data"
)

// TokenSource supplies bearer tokens for authenticated channels.
type TokenSource interface {
	GetToken() (auth.Token, error)
	Invalidate()
}

// Events carries the decoded upstream feed. All channels are owned by the
// Client and closed when the client terminates.
type Events struct {
	Trades    chan model.Trade
	Tickers   chan model.Ticker
	Snapshots chan model.BookSnapshot
	Updates   chan model.BookUpdate
}

// Config for the upstream client.
type Config struct {
	URL         string
	Tokens      TokenSource
	DialTimeout time.Duration // default 10s
	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 30s
	MaxAttempts int           // default 5
}

type subKey struct {
	product string
	channel string
}

// Client is the upstream WebSocket state machine.
type Client struct {
	cfg    Config
	events Events

	mu       sync.Mutex
	writeMu  sync.Mutex // gorilla permits one concurrent writer
	conn     *websocket.Conn
	state    State
	subs     map[subKey]struct{}
	attempts int
	// one out-of-band reconnect is allowed per auth rejection
	authRetried bool

	// OnStateChange observes transitions (optional).
	OnStateChange func(State)
	// OnDecodeError counts dropped malformed frames (optional).
	OnDecodeError func()
	// OnReconnect counts reconnection attempts (optional).
	OnReconnect func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates an upstream client. Events channels are buffered so a
// briefly slow consumer does not stall the socket read loop.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Client{
		cfg: cfg,
		events: Events{
			Trades:    make(chan model.Trade, 4096),
			Tickers:   make(chan model.Ticker, 1024),
			Snapshots: make(chan model.BookSnapshot, 64),
			Updates:   make(chan model.BookUpdate, 4096),
		},
		subs:  make(map[subKey]struct{}),
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Events returns the decoded event channels.
func (c *Client) Events() Events { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.OnStateChange
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// Connect starts the connect/read/backoff loop. Call once; cancel via Close
// or the context.
func (c *Client) Connect(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close terminates the client and closes the event channels.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		c.closeConn()
		close(c.events.Trades)
		close(c.events.Tickers)
		close(c.events.Snapshots)
		close(c.events.Updates)
		close(c.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.authRetried = false
			c.mu.Unlock()
			c.setState(StateOpen)
			c.resubscribeAll()

			err = c.readLoop(ctx)
			c.closeConn()
			c.setState(StateClosed)
		}

		if ctx.Err() != nil {
			return
		}

		if authErr, ok := err.(*authRejectedError); ok {
			// Refresh the token and retry once outside the backoff curve.
			c.cfg.Tokens.Invalidate()
			c.mu.Lock()
			retried := c.authRetried
			c.authRetried = true
			c.mu.Unlock()
			log.Warn().Int("status", authErr.status).Bool("retrying", !retried).Msg("upstream auth rejected")
			if !retried {
				continue
			}
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		if attempts >= c.cfg.MaxAttempts {
			log.Error().Int("attempts", attempts).Msg("upstream reconnect attempts exhausted")
			c.setState(StateGaveUp)
			return
		}

		wait := c.cfg.BackoffBase << uint(attempts-1)
		if wait > c.cfg.BackoffCap {
			wait = c.cfg.BackoffCap
		}
		log.Info().Dur("wait", wait).Int("attempt", attempts).Err(err).Msg("upstream backoff")
		c.setState(StateBackoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// authRejectedError marks a 401/403 during dial or an auth error frame.
type authRejectedError struct{ status int }

func (e *authRejectedError) Error() string { return "upstream: authentication rejected" }

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, http.Header{})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &authRejectedError{status: resp.StatusCode}
		}
		return err
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("url", c.cfg.URL).Msg("upstream connected")
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// readLoop decodes frames until the socket errors. Also drives the 30s
// heartbeat ping.
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if authRejected(raw) {
			return &authRejectedError{status: http.StatusUnauthorized}
		}
		if err := c.dispatch(raw); err != nil {
			if c.OnDecodeError != nil {
				c.OnDecodeError()
			}
			log.Debug().Err(err).Msg("dropping malformed upstream frame")
		}
	}
}

// SubscribeTrades records and, if connected, sends a trades subscription.
func (c *Client) SubscribeTrades(product string) error {
	return c.subscribe(product, ChannelTrades)
}

// SubscribeTicker records and, if connected, sends a ticker subscription.
func (c *Client) SubscribeTicker(product string) error {
	return c.subscribe(product, ChannelTicker)
}

// SubscribeBook records and, if connected, sends a level2 subscription.
// Book subscriptions carry the current bearer token.
func (c *Client) SubscribeBook(product string) error {
	return c.subscribe(product, ChannelBook)
}

func (c *Client) subscribe(product, channel string) error {
	c.mu.Lock()
	c.subs[subKey{product, channel}] = struct{}{}
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return nil // sent on next open via resubscribeAll
	}
	return c.sendSubscription(conn, "subscribe", product, channel)
}

// Unsubscribe removes the desired subscription and, if connected, sends the
// unsubscribe frame.
func (c *Client) Unsubscribe(product, channel string) error {
	c.mu.Lock()
	delete(c.subs, subKey{product, channel})
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return nil
	}
	return c.sendSubscription(conn, "unsubscribe", product, channel)
}

// subscribeFrame is the outbound subscription message.
type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

func (c *Client) sendSubscription(conn *websocket.Conn, typ, product, channel string) error {
	frame := subscribeFrame{Type: typ, ProductIDs: []string{product}, Channel: channel}
	if channel == ChannelBook && c.cfg.Tokens != nil {
		tok, err := c.cfg.Tokens.GetToken()
		if err != nil {
			log.Error().Err(err).Msg("token mint for book subscription failed")
		} else {
			frame.JWT = tok.Value
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	conn := c.conn
	subs := make([]subKey, 0, len(c.subs))
	for k := range c.subs {
		subs = append(subs, k)
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	for _, k := range subs {
		if err := c.sendSubscription(conn, "subscribe", k.product, k.channel); err != nil {
			log.Error().Err(err).Str("product", k.product).Str("channel", k.channel).Msg("resubscribe failed")
			return
		}
	}
	if len(subs) > 0 {
		log.Info().Int("count", len(subs)).Msg("resubscribed upstream channels")
	}
}

// ActiveSubscriptions returns the desired subscription set, for /health.
func (c *Client) ActiveSubscriptions() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string)
	for k := range c.subs {
		out[k.product] = append(out[k.product], k.channel)
	}
	return out
}
