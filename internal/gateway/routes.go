package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
	"hermes-stream/internal/store"
)

const (
	bookReadTimeout = 2 * time.Second
	maxTopLevels    = 50

	candleCacheSize = 128
	candleCacheTTL  = 5 * time.Second
)

// BookReader serves order-book reads for the REST surface.
type BookReader interface {
	GetFull(ctx context.Context, product string) ([]model.BookLevel, []model.BookLevel, *model.BookMeta, error)
	GetRange(ctx context.Context, product string, min, max float64) ([]model.BookLevel, []model.BookLevel, error)
	GetTop(ctx context.Context, product string, n int) ([]model.BookLevel, []model.BookLevel, error)
}

// CandleReader serves stored candle history and accepts backfill writes.
type CandleReader interface {
	GetRange(ctx context.Context, product string, granularity, start, end int64) ([]model.Candle, error)
	GetMetadata(ctx context.Context, product string, granularity int64) (*store.Metadata, error)
	Store(ctx context.Context, product string, granularity int64, candles []model.Candle) (int, error)
}

// CandleFetcher is the synchronous REST fallback when Redis has nothing.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, product string, granularity, start, end int64) ([]model.Candle, error)
}

// hydrateSource records which rung of the fallback ladder served a candle
// request, so the ladder is observable and testable.
type hydrateSource string

const (
	hitCache        hydrateSource = "cache"
	hitStore        hydrateSource = "store"
	fetched         hydrateSource = "fetched"
	emptyAfterFetch hydrateSource = "empty"
	hydrateFailed   hydrateSource = "failed"
)

type cachedCandles struct {
	candles []model.Candle
	at      time.Time
}

// Routes is the REST surface for page hydration.
type Routes struct {
	books   BookReader
	candles CandleReader
	fetcher CandleFetcher
	health  http.HandlerFunc

	respCache *lru.Cache // request key → cachedCandles
	now       func() time.Time
}

// NewRoutes builds the REST handler set. health may be nil.
func NewRoutes(books BookReader, candles CandleReader, fetcher CandleFetcher, health http.HandlerFunc) *Routes {
	cache, _ := lru.New(candleCacheSize)
	return &Routes{
		books:     books,
		candles:   candles,
		fetcher:   fetcher,
		health:    health,
		respCache: cache,
		now:       time.Now,
	}
}

// Register mounts all REST endpoints plus the WebSocket entry on r.
func (rt *Routes) Register(r *mux.Router, ws *Server) {
	r.HandleFunc("/ws", ws.HandleWS)
	r.HandleFunc("/api/orderbook/{product}", rt.handleOrderbook).Methods(http.MethodGet)
	r.HandleFunc("/api/orderbook/{product}/range", rt.handleOrderbookRange).Methods(http.MethodGet)
	r.HandleFunc("/api/orderbook/{product}/top", rt.handleOrderbookTop).Methods(http.MethodGet)
	r.HandleFunc("/api/candles/{pair}/{granularity}", rt.handleCandles).Methods(http.MethodGet)
	r.HandleFunc("/api/time", rt.handleTime).Methods(http.MethodGet)
	if rt.health != nil {
		r.HandleFunc("/health", rt.health).Methods(http.MethodGet)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

type bookPayload struct {
	Bids     []model.BookLevel `json:"bids"`
	Asks     []model.BookLevel `json:"asks"`
	Metadata *model.BookMeta   `json:"metadata,omitempty"`
}

func (rt *Routes) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]
	ctx, cancel := context.WithTimeout(r.Context(), bookReadTimeout)
	defer cancel()

	bids, asks, meta, err := rt.books.GetFull(ctx, product)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Serve an empty book rather than erroring out the page load.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    bookPayload{Bids: []model.BookLevel{}, Asks: []model.BookLevel{}},
			"cached":  false,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    bookPayload{Bids: bids, Asks: asks, Metadata: meta},
		"cached":  meta != nil,
	})
}

// handleOrderbookRange returns the book filtered to ±depth% around mid.
func (rt *Routes) handleOrderbookRange(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]
	depth := 1.0
	if v := r.URL.Query().Get("depth"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			depth = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), bookReadTimeout)
	defer cancel()

	_, _, meta, err := rt.books.GetFull(ctx, product)
	if err != nil {
		writeError(w, err)
		return
	}
	if meta == nil || meta.Mid == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    bookPayload{Bids: []model.BookLevel{}, Asks: []model.BookLevel{}},
		})
		return
	}

	min := meta.Mid * (1 - depth/100)
	max := meta.Mid * (1 + depth/100)
	bids, asks, err := rt.books.GetRange(ctx, product, min, max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    bookPayload{Bids: bids, Asks: asks, Metadata: meta},
	})
}

func (rt *Routes) handleOrderbookTop(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]
	count := 10
	if v := r.URL.Query().Get("count"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			count = parsed
		}
	}
	if count > maxTopLevels {
		count = maxTopLevels
	}

	ctx, cancel := context.WithTimeout(r.Context(), bookReadTimeout)
	defer cancel()

	bids, asks, err := rt.books.GetTop(ctx, product, count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    bookPayload{Bids: bids, Asks: asks},
	})
}

func (rt *Routes) handleCandles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pair := vars["pair"]
	label := vars["granularity"]

	seconds, ok := model.GranularitySeconds(label)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "unknown granularity: " + label,
		})
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	end := rt.now().Unix()
	start := end - int64(hours)*3600

	candles, source := rt.hydrate(r.Context(), pair, label, seconds, start, end)
	if source == hydrateFailed {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "candle lookup failed",
		})
		return
	}

	meta, err := rt.candles.GetMetadata(r.Context(), pair, seconds)
	if err != nil {
		log.Debug().Err(err).Str("pair", pair).Msg("candle metadata lookup failed")
	}

	resp := map[string]interface{}{
		"success":     true,
		"pair":        pair,
		"granularity": label,
		"count":       len(candles),
		"source":      string(source),
		"timeRange": map[string]int64{
			"start": start,
			"end":   end,
		},
		"data": candles,
	}
	md := map[string]interface{}{}
	if meta != nil {
		md["totalDatabaseCount"] = meta.TotalCandles
		md["storageMetadata"] = meta
	}
	resp["metadata"] = md
	writeJSON(w, http.StatusOK, resp)
}

// hydrate walks the fallback ladder: response cache, then Redis, then a
// synchronous upstream fetch that also populates Redis for the next call.
func (rt *Routes) hydrate(ctx context.Context, pair, label string, seconds, start, end int64) ([]model.Candle, hydrateSource) {
	cacheKey := pair + ":" + label + ":" + strconv.FormatInt(start, 10)
	if v, ok := rt.respCache.Get(cacheKey); ok {
		entry := v.(cachedCandles)
		if rt.now().Sub(entry.at) < candleCacheTTL {
			return entry.candles, hitCache
		}
		rt.respCache.Remove(cacheKey)
	}

	candles, err := rt.candles.GetRange(ctx, pair, seconds, start, end)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair).Str("granularity", label).Msg("candle store read failed")
		return nil, hydrateFailed
	}
	if len(candles) > 0 {
		rt.respCache.Add(cacheKey, cachedCandles{candles: candles, at: rt.now()})
		return candles, hitStore
	}

	if rt.fetcher == nil || !model.NativeRESTGranularity(seconds) {
		return []model.Candle{}, emptyAfterFetch
	}

	fetchedCandles, err := rt.fetcher.FetchCandles(ctx, pair, seconds, start, end)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair).Str("granularity", label).Msg("candle backfill fetch failed")
		return nil, hydrateFailed
	}
	if len(fetchedCandles) == 0 {
		return []model.Candle{}, emptyAfterFetch
	}

	if _, err := rt.candles.Store(ctx, pair, seconds, fetchedCandles); err != nil {
		log.Warn().Err(err).Str("pair", pair).Msg("backfill store failed")
	}
	rt.respCache.Add(cacheKey, cachedCandles{candles: fetchedCandles, at: rt.now()})
	return fetchedCandles, fetched
}

func (rt *Routes) handleTime(w http.ResponseWriter, r *http.Request) {
	now := rt.now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp_ms": now.UnixMilli(),
		"unixTime_s":   now.Unix(),
		"iso":          now.UTC().Format(time.RFC3339),
	})
}
