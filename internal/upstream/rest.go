package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hermes-stream/internal/model"
)

var (
	// ErrRateLimited is returned on HTTP 429; callers back off an extra 2s.
	ErrRateLimited = errors.New("upstream: rate limited")
	// ErrUnsupportedGranularity is returned for granularities the candles
	// endpoint does not serve natively.
	ErrUnsupportedGranularity = errors.New("upstream: unsupported REST granularity")
)

// RESTClient fetches historical candles from the exchange REST API. All
// requests pass a shared limiter enforcing a 100ms floor between calls.
type RESTClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewRESTClient creates a candle REST client for the given base URL,
// e.g. "https://api.exchange.coinbase.com".
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// The candles endpoint returns rows of [time, low, high, open, close, volume]
// in descending time order.
type restCandleRow = []float64

type restErrorBody struct {
	Message string `json:"message"`
}

// FetchCandles returns candles for [start, end] (Unix seconds, inclusive)
// at a native granularity, in ascending open_ts order.
func (c *RESTClient) FetchCandles(ctx context.Context, product string, granularity int64, start, end int64) ([]model.Candle, error) {
	if !model.NativeRESTGranularity(granularity) {
		return nil, ErrUnsupportedGranularity
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/products/%s/candles?granularity=%d&start=%s&end=%s",
		c.baseURL, product, granularity,
		time.Unix(start, 0).UTC().Format(time.RFC3339),
		time.Unix(end, 0).UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candles request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("candles body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		var eb restErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			return nil, fmt.Errorf("candles status %d: %s", resp.StatusCode, eb.Message)
		}
		return nil, fmt.Errorf("candles status %d", resp.StatusCode)
	}

	var rows []restCandleRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("candles decode: %w", err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			log.Debug().Int("fields", len(row)).Msg("skipping short candle row")
			continue
		}
		candles = append(candles, model.Candle{
			OpenTS: int64(row[0]),
			Low:    row[1],
			High:   row[2],
			Open:   row[3],
			Close:  row[4],
			Volume: row[5],
		})
	}

	// Rows arrive newest-first; serve them ascending.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// FetchRecent returns the last n buckets for (product, granularity) ending
// at now.
func (c *RESTClient) FetchRecent(ctx context.Context, product string, granularity int64, n int) ([]model.Candle, error) {
	end := time.Now().Unix()
	start := end - granularity*int64(n)
	return c.FetchCandles(ctx, product, granularity, start, end)
}
