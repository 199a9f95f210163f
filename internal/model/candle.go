package model

import "encoding/json"

// Candle is one OHLCV bucket. OpenTS is the bucket start in Unix seconds,
// aligned to the granularity (OpenTS = ts - ts%g).
type Candle struct {
	OpenTS int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleType marks whether a candle's bucket is still accepting trades.
type CandleType string

const (
	CandleIncomplete CandleType = "incomplete"
	CandleComplete   CandleType = "complete"
)

// CandleEvent is an aggregator emission for one (product, granularity).
type CandleEvent struct {
	Product     string     `json:"product_id"`
	Granularity int64      `json:"granularity"` // seconds
	Type        CandleType `json:"type"`
	Candle      Candle     `json:"candle"`
}

// GapEvent reports missing buckets between the last completed candle and a
// newly opened one.
type GapEvent struct {
	Product        string `json:"product_id"`
	Granularity    int64  `json:"granularity"`
	FirstMissingTS int64  `json:"first_missing_ts"`
	Count          int64  `json:"count"`
}

// ActivityKind classifies continuous-updater activity events.
type ActivityKind string

const (
	ActivityFetchStart    ActivityKind = "fetch_start"
	ActivityStoreComplete ActivityKind = "store_complete"
	ActivityError         ActivityKind = "error"
)

// ActivityEvent describes a store/updater operation for client dashboards.
type ActivityEvent struct {
	Type        ActivityKind `json:"type"`
	Product     string       `json:"pair"`
	Granularity string       `json:"granularity"`
	Operation   string       `json:"operation,omitempty"`
	Count       int          `json:"count,omitempty"`
	LatestPrice float64      `json:"latest_price,omitempty"`
	Error       string       `json:"error,omitempty"`
}
