// Command streamd is the market-data stream service: it ingests the
// exchange WebSocket feed, aggregates candles, maintains Redis order
// books and candle history, and fans everything out to local WebSocket
// clients with a REST hydration surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hermes-stream/config"
	"hermes-stream/internal/auth"
	"hermes-stream/internal/book"
	"hermes-stream/internal/gateway"
	"hermes-stream/internal/marketdata/agg"
	"hermes-stream/internal/marketdata/bus"
	"hermes-stream/internal/metrics"
	"hermes-stream/internal/model"
	"hermes-stream/internal/store"
	"hermes-stream/internal/updater"
	"hermes-stream/internal/upstream"
)

const drainTimeout = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Info().Msg("streamd starting")

	cfg := config.Load()
	products := cfg.ParseProducts()
	granularities := cfg.ParseGranularities()
	if len(products) == 0 || len(granularities) == 0 {
		log.Fatal().Msg("PRODUCTS and GRANULARITIES must not be empty")
	}

	m := metrics.New()
	health := metrics.NewHealth()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Redis ----
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	breaker := store.NewBreaker("redis")
	candleStore := store.NewCandleStore(rdb, breaker)

	// ---- Token minter ----
	var tokens upstream.TokenSource
	var stopRenewal func()
	if cfg.APIPrivateKey != "" {
		minter, err := auth.NewMinter(cfg.APIKeyName, cfg.APIPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid CB_API_PRIVATE_KEY")
		}
		tokens = minter
		stopRenewal = minter.StartAutoRenewal(func(tok auth.Token) {
			log.Debug().Time("expires", tok.ExpiresAt).Msg("bearer token renewed")
		})
	} else {
		log.Warn().Msg("no API credentials configured; level2 subscriptions will be unauthenticated")
	}

	// ---- Upstream client ----
	feed := upstream.NewClient(upstream.Config{
		URL:    cfg.UpstreamWSURL,
		Tokens: tokens,
	})
	feed.OnStateChange = func(s upstream.State) {
		m.UpstreamState.Set(float64(s))
		health.SetUpstreamState(s.String())
	}
	feed.OnDecodeError = func() { m.DecodeErrors.Inc() }
	feed.OnReconnect = func() { m.WSReconnects.Inc() }
	rest := upstream.NewRESTClient(cfg.UpstreamRESTURL)

	// ---- Aggregation pipeline ----
	pool := agg.NewPool(granularities)
	pool.OnDroppedTrade = func(string, int64) { m.DroppedTrades.Inc() }

	candleEvents := make(chan model.CandleEvent, 4096)
	gapEvents := make(chan model.GapEvent, 256)

	trades := make(chan model.Trade, 4096)
	go func() {
		defer close(trades)
		for tr := range feed.Events().Trades {
			m.TradesTotal.Inc()
			health.TouchTrade()
			trades <- tr
		}
	}()
	go pool.Run(ctx, trades, candleEvents, gapEvents)

	go func() {
		for gap := range gapEvents {
			label, _ := model.GranularityLabel(gap.Granularity)
			m.GapEventsTotal.WithLabelValues(label).Inc()
			log.Warn().Str("product", gap.Product).Str("granularity", label).
				Int64("first_missing", gap.FirstMissingTS).Int64("count", gap.Count).
				Msg("candle gap detected")
		}
	}()

	// ---- Candle fan-out: hub, store writer, archive ----
	candleBus := bus.New(1024)
	candleBus.OnDrop = func(int) { m.ClientDropsTotal.Inc() }

	hubCandles := candleBus.Subscribe()
	storeCandles := candleBus.Subscribe()

	var archive *store.Archive
	if cfg.ArchivePath != "" {
		var err error
		archive, err = store.OpenArchive(cfg.ArchivePath)
		if err != nil {
			log.Fatal().Err(err).Msg("opening candle archive")
		}
		go archive.Run(ctx, candleBus.Subscribe())
	}
	go candleBus.Run(ctx, candleEvents)

	go func() {
		for ev := range storeCandles {
			label, _ := model.GranularityLabel(ev.Granularity)
			m.CandlesTotal.WithLabelValues(label).Inc()
			if ev.Type != model.CandleComplete || !cfg.EnableRedisStore {
				continue
			}
			start := time.Now()
			if _, err := candleStore.Store(ctx, ev.Product, ev.Granularity, []model.Candle{ev.Candle}); err != nil {
				log.Warn().Err(err).Str("product", ev.Product).Msg("storing completed candle failed")
				continue
			}
			m.RedisWriteDur.Observe(time.Since(start).Seconds())
		}
	}()

	// ---- Order-book engine ----
	engine := book.NewEngine(rdb, breaker)
	engine.OnThrottled = func(string) { m.ThrottledUpdates.Inc() }
	engine.OnApplied = func(string) { m.BookUpdatesTotal.Inc() }
	engine.Caches().StartPruner(ctx)

	// The upstream book channels feed both the engine and the hub.
	engineSnaps := make(chan model.BookSnapshot, 64)
	hubSnaps := make(chan model.BookSnapshot, 64)
	engineUpdates := make(chan model.BookUpdate, 4096)
	hubUpdates := make(chan model.BookUpdate, 4096)
	go teeBooks(feed.Events().Snapshots, feed.Events().Updates, engineSnaps, hubSnaps, engineUpdates, hubUpdates)
	if cfg.EnableBookCache {
		go engine.Run(ctx, engineSnaps, engineUpdates)
	} else {
		go drainBooks(engineSnaps, engineUpdates)
	}

	// ---- Gateway ----
	registry := gateway.NewRegistry()
	registry.StartSweeper(ctx)
	hub := gateway.NewHub(registry)
	hub.OnBroadcast = func(frameType string) { m.BroadcastsTotal.WithLabelValues(frameType).Inc() }

	go hub.RunCandles(ctx, hubCandles)
	go hub.RunTickers(ctx, feed.Events().Tickers)
	go hub.RunBooks(ctx, hubSnaps, hubUpdates)
	go hub.RunPubSub(ctx, rdb)

	server := gateway.NewServer(hub, registry, feed)
	server.BotForwardURL = cfg.BotForwardURL

	// ---- Continuous updater ----
	activity := make(chan model.ActivityEvent, 256)
	up := updater.New(rest, candleStore, products, granularities)
	up.Activity = activity
	up.OnPoll = func(_ string, _ int64, _ int, err error) {
		if err != nil {
			m.UpdaterErrors.Inc()
		}
	}
	updaterCtx, stopUpdater := context.WithCancel(ctx)
	if cfg.EnableRedisStore {
		go up.Run(updaterCtx)
	}
	go hub.RunActivity(ctx, activity)

	// ---- HTTP listeners ----
	routes := gateway.NewRoutes(engine, candleStore, rest, health.ServeHTTP)
	router := mux.NewRouter()
	routes.Register(router, server)

	httpSrv := &http.Server{Addr: cfg.BindAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway listener failed")
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health.ServeHTTP)
	metricsSrv.Start()

	// ---- Periodic health refresh ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, subs := registry.Counts()
				health.SetCounts(hub.ClientCount(), subs)
				health.SetRedisAvailable(breaker.Available())
				m.ConnectedClients.Set(float64(hub.ClientCount()))
				m.SubscriptionCount.Set(float64(subs))
				snaps, states, throttle := engine.Caches().Sizes()
				health.SetCacheSize("book_snapshots", snaps)
				health.SetCacheSize("client_states", states)
				health.SetCacheSize("book_throttle", throttle)
				for i, st := range candleBus.ChannelStats() {
					if st.Cap > 0 && st.Len*100/st.Cap >= 80 {
						log.Warn().Int("subscriber", i).Int("len", st.Len).Int("cap", st.Cap).
							Msg("candle bus subscriber saturated")
					}
				}
			}
		}
	}()

	// ---- Connect upstream ----
	feed.Connect(ctx)

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("draining")

	watchdog := time.AfterFunc(drainTimeout, func() {
		log.Error().Msg("drain watchdog fired, forcing exit")
		os.Exit(1)
	})
	defer watchdog.Stop()

	// Leaves inward: updater, renewal, clients, upstream, listeners.
	stopUpdater()
	if stopRenewal != nil {
		stopRenewal()
	}
	server.Drain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	feed.Close()
	cancel()
	if archive != nil {
		archive.Close()
	}
	rdb.Close()

	log.Info().Msg("streamd stopped")
}

// teeBooks duplicates the single-consumer upstream book channels for the
// engine and the hub. The hub copy is best-effort: a slow hub drops
// frames instead of stalling Redis writes.
func teeBooks(
	snapshots <-chan model.BookSnapshot, updates <-chan model.BookUpdate,
	engineSnaps, hubSnaps chan<- model.BookSnapshot,
	engineUpdates, hubUpdates chan<- model.BookUpdate,
) {
	defer func() {
		close(engineSnaps)
		close(hubSnaps)
		close(engineUpdates)
		close(hubUpdates)
	}()
	for snapshots != nil || updates != nil {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			engineSnaps <- snap
			select {
			case hubSnaps <- snap:
			default:
			}
		case upd, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			engineUpdates <- upd
			select {
			case hubUpdates <- upd:
			default:
			}
		}
	}
}

// drainBooks discards book events when the book cache is disabled.
func drainBooks(snapshots <-chan model.BookSnapshot, updates <-chan model.BookUpdate) {
	for snapshots != nil || updates != nil {
		select {
		case _, ok := <-snapshots:
			if !ok {
				snapshots = nil
			}
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		}
	}
}
