package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
)

// Incoming frames are dispatched on the channel discriminator, not the
// event type: trades, tickers and book data all share the same envelope.
type rawFrame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Events  json.RawMessage `json:"events"`
}

type rawTradeEvent struct {
	Type   string     `json:"type"`
	Trades []rawTrade `json:"trades"`
}

type rawTrade struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

type rawTickerEvent struct {
	Type    string      `json:"type"`
	Tickers []rawTicker `json:"tickers"`
}

type rawTicker struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24_h"`
	Low24h    string `json:"low_24_h"`
	High24h   string `json:"high_24_h"`
	Open24h   string `json:"open_24_h"`
}

type rawBookEvent struct {
	Type      string          `json:"type"` // "snapshot" | "update"
	ProductID string          `json:"product_id"`
	Updates   []rawBookChange `json:"updates"`
}

type rawBookChange struct {
	Side     string `json:"side"` // "bid" | "offer"
	Price    string `json:"price_level"`
	Quantity string `json:"new_quantity"`
	Time     string `json:"event_time"`
}

// authRejected recognizes the error frame the feed sends on a bad or
// expired token.
func authRejected(raw []byte) bool {
	var f rawFrame
	if json.Unmarshal(raw, &f) != nil {
		return false
	}
	if f.Type != "error" {
		return false
	}
	msg := strings.ToLower(f.Message)
	return strings.Contains(msg, "auth") || strings.Contains(msg, "401") || strings.Contains(msg, "403")
}

// dispatch decodes one frame and forwards typed events. Events for full
// channels are dropped rather than blocking the read loop.
func (c *Client) dispatch(raw []byte) error {
	var frame rawFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("frame decode: %w", err)
	}

	switch frame.Channel {
	case ChannelTrades:
		return c.dispatchTrades(frame.Events)
	case ChannelTicker:
		return c.dispatchTickers(frame.Events)
	case ChannelBook:
		return c.dispatchBook(frame.Events)
	case "subscriptions", "heartbeats", "":
		return nil // acks and keepalives carry no market data
	default:
		return nil
	}
}

func (c *Client) dispatchTrades(events json.RawMessage) error {
	var evs []rawTradeEvent
	if err := json.Unmarshal(events, &evs); err != nil {
		return fmt.Errorf("trade events decode: %w", err)
	}
	for _, ev := range evs {
		for _, rt := range ev.Trades {
			tr, err := decodeTrade(rt)
			if err != nil {
				// One bad trade must not cost the rest of the batch.
				if c.OnDecodeError != nil {
					c.OnDecodeError()
				}
				log.Debug().Err(err).Str("product", rt.ProductID).Msg("dropping malformed trade")
				continue
			}
			select {
			case c.events.Trades <- tr:
			default:
			}
		}
	}
	return nil
}

func decodeTrade(rt rawTrade) (model.Trade, error) {
	price, err := strconv.ParseFloat(rt.Price, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade price %q: %w", rt.Price, err)
	}
	size, err := strconv.ParseFloat(rt.Size, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade size %q: %w", rt.Size, err)
	}
	ts, err := parseEventTime(rt.Time)
	if err != nil {
		return model.Trade{}, err
	}
	side := model.SideBuy
	if strings.EqualFold(rt.Side, "sell") {
		side = model.SideSell
	}
	return model.Trade{Product: rt.ProductID, Price: price, Size: size, TS: ts, Side: side}, nil
}

func (c *Client) dispatchTickers(events json.RawMessage) error {
	var evs []rawTickerEvent
	if err := json.Unmarshal(events, &evs); err != nil {
		return fmt.Errorf("ticker events decode: %w", err)
	}
	for _, ev := range evs {
		for _, rt := range ev.Tickers {
			tk := model.Ticker{
				ProductID: rt.ProductID,
				Price:     parseFloatOrZero(rt.Price),
				BestBid:   parseFloatOrZero(rt.BestBid),
				BestAsk:   parseFloatOrZero(rt.BestAsk),
				Volume24h: parseFloatOrZero(rt.Volume24h),
				Low24h:    parseFloatOrZero(rt.Low24h),
				High24h:   parseFloatOrZero(rt.High24h),
				Open24h:   parseFloatOrZero(rt.Open24h),
				Time:      time.Now().Unix(),
			}
			tk.ApplyChange()
			select {
			case c.events.Tickers <- tk:
			default:
			}
		}
	}
	return nil
}

func (c *Client) dispatchBook(events json.RawMessage) error {
	var evs []rawBookEvent
	if err := json.Unmarshal(events, &evs); err != nil {
		return fmt.Errorf("book events decode: %w", err)
	}
	for _, ev := range evs {
		switch ev.Type {
		case "snapshot":
			snap := model.BookSnapshot{ProductID: ev.ProductID}
			for _, ch := range ev.Updates {
				level := model.BookLevel{
					Price: parseFloatOrZero(ch.Price),
					Size:  parseFloatOrZero(ch.Quantity),
				}
				if ch.Side == "bid" {
					snap.Bids = append(snap.Bids, level)
				} else {
					snap.Asks = append(snap.Asks, level)
				}
			}
			select {
			case c.events.Snapshots <- snap:
			default:
			}
		case "update":
			upd := model.BookUpdate{ProductID: ev.ProductID, TimeMs: time.Now().UnixMilli()}
			for _, ch := range ev.Updates {
				side := model.AskSide
				if ch.Side == "bid" {
					side = model.BidSide
				}
				upd.Changes = append(upd.Changes, model.BookChange{
					Side:  side,
					Price: parseFloatOrZero(ch.Price),
					Size:  parseFloatOrZero(ch.Quantity),
				})
			}
			select {
			case c.events.Updates <- upd:
			default:
			}
		}
	}
	return nil
}

// parseEventTime accepts RFC3339 or epoch seconds/milliseconds, flooring
// milliseconds to seconds.
func parseEventTime(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Unix(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event time %q: %w", s, err)
	}
	if n > 1e12 { // milliseconds
		n /= 1000
	}
	return n, nil
}

func parseFloatOrZero(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
