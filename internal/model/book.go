package model

// BookLevel is one price level of an order book. Size 0 removes the level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSide identifies which half of the book a change applies to.
type BookSide string

const (
	BidSide BookSide = "bid"
	AskSide BookSide = "offer"
)

// BookChange is a single delta against a product's book.
type BookChange struct {
	Side  BookSide `json:"side"`
	Price float64  `json:"price"`
	Size  float64  `json:"size"`
}

// BookSnapshot is a full book image for a product.
type BookSnapshot struct {
	ProductID string      `json:"product_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// BookUpdate is an incremental batch of changes for a product.
type BookUpdate struct {
	ProductID string       `json:"product_id"`
	Changes   []BookChange `json:"changes"`
	TimeMs    int64        `json:"time_ms"`
}

// BookMeta summarizes a stored book: best prices, level counts and the
// wall-clock of the last write.
type BookMeta struct {
	BestBid      float64 `json:"bestBid"`
	BestAsk      float64 `json:"bestAsk"`
	Mid          float64 `json:"mid"`
	BidCount     int     `json:"bidCount"`
	AskCount     int     `json:"askCount"`
	LastUpdateMs int64   `json:"lastUpdate"`
}

// BookDelta is the payload published on orderbook:{product}:delta.
type BookDelta struct {
	ProductID string      `json:"productId"`
	Timestamp int64       `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}
