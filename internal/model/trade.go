package model

// Side of a trade, as reported by the exchange.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single executed trade on a product. TS is Unix seconds;
// millisecond feeds are floored on decode.
type Trade struct {
	Product string  `json:"product_id"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	TS      int64   `json:"ts"`
	Side    Side    `json:"side"`
}

// Ticker is a lightweight price summary for a product.
type Ticker struct {
	ProductID   string  `json:"product_id"`
	Price       float64 `json:"price"`
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	Volume24h   float64 `json:"volume_24h"`
	Low24h      float64 `json:"low_24h"`
	High24h     float64 `json:"high_24h"`
	Open24h     float64 `json:"open_24h"`
	Change24h   float64 `json:"change_24h"`
	ChangePct24 float64 `json:"change_pct_24h"`
	Time        int64   `json:"time"`
}

// ApplyChange fills the derived 24h change fields from Open24h and Price.
func (t *Ticker) ApplyChange() {
	if t.Open24h > 0 {
		t.Change24h = t.Price - t.Open24h
		t.ChangePct24 = t.Change24h / t.Open24h * 100
	}
}
