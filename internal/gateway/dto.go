package gateway

import (
	"encoding/json"

	"hermes-stream/internal/model"
)

// inboundFrame is the envelope every client message parses into first.
// Unknown types are treated as bot commands and forwarded opaque.
type inboundFrame struct {
	Type        string `json:"type"`
	Pair        string `json:"pair"`
	Granularity string `json:"granularity"`
}

// Outbound frame shapes. All frames carry a discriminating "type".

type connectedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ackFrame struct {
	Type        string `json:"type"` // "subscribed" | "unsubscribed"
	Pair        string `json:"pair"`
	Granularity string `json:"granularity"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// candleFrame is the flat candle delivery shape clients chart from.
type candleFrame struct {
	Type        string  `json:"type"`
	Pair        string  `json:"pair"`
	Granularity string  `json:"granularity"`
	Time        int64   `json:"time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CandleType  string  `json:"candleType"`
}

type tickerFrame struct {
	Type string       `json:"type"`
	Data model.Ticker `json:"data"`
}

// level2Payload is the nested book envelope; Kind distinguishes full
// snapshots from incremental updates.
type level2Payload struct {
	Kind      string            `json:"type"` // "snapshot" | "update"
	ProductID string            `json:"product_id"`
	Bids      []model.BookLevel `json:"bids"`
	Asks      []model.BookLevel `json:"asks"`
}

type level2Frame struct {
	Type string        `json:"type"`
	Data level2Payload `json:"data"`
}

type deltaFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type activityFrame struct {
	Type string              `json:"type"`
	Data model.ActivityEvent `json:"data"`
}

func newCandleFrame(ev model.CandleEvent, label string) candleFrame {
	return candleFrame{
		Type:        "candle",
		Pair:        ev.Product,
		Granularity: label,
		Time:        ev.Candle.OpenTS,
		Open:        ev.Candle.Open,
		High:        ev.Candle.High,
		Low:         ev.Candle.Low,
		Close:       ev.Candle.Close,
		Volume:      ev.Candle.Volume,
		CandleType:  string(ev.Type),
	}
}

func snapshotToLevel2(snap model.BookSnapshot) level2Frame {
	return level2Frame{
		Type: "level2",
		Data: level2Payload{
			Kind:      "snapshot",
			ProductID: snap.ProductID,
			Bids:      snap.Bids,
			Asks:      snap.Asks,
		},
	}
}

func updateToLevel2(upd model.BookUpdate) level2Frame {
	frame := level2Frame{
		Type: "level2",
		Data: level2Payload{
			Kind:      "update",
			ProductID: upd.ProductID,
		},
	}
	for _, ch := range upd.Changes {
		level := model.BookLevel{Price: ch.Price, Size: ch.Size}
		if ch.Side == model.BidSide {
			frame.Data.Bids = append(frame.Data.Bids, level)
		} else {
			frame.Data.Asks = append(frame.Data.Asks, level)
		}
	}
	return frame
}
