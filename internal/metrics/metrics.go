// Package metrics exposes Prometheus instrumentation and the health
// probe for the streaming pipeline.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the stream service.
type Metrics struct {
	TradesTotal       prometheus.Counter
	CandlesTotal      *prometheus.CounterVec // labels: granularity
	GapEventsTotal    *prometheus.CounterVec // labels: granularity
	WSReconnects      prometheus.Counter
	DroppedTrades     prometheus.Counter
	DecodeErrors      prometheus.Counter
	BookUpdatesTotal  prometheus.Counter
	ThrottledUpdates  prometheus.Counter
	ClientDropsTotal  prometheus.Counter
	BroadcastsTotal   *prometheus.CounterVec // labels: frame_type
	UpdaterErrors     prometheus.Counter
	RedisWriteDur     prometheus.Histogram
	ConnectedClients  prometheus.Gauge
	UpstreamState     prometheus.Gauge // see upstream.State values
	SubscriptionCount prometheus.Gauge
}

// New registers and returns the service metrics.
func New() *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_trades_total",
			Help: "Trades received from the upstream feed",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_candles_total",
			Help: "Candle events emitted by the aggregator (by granularity)",
		}, []string{"granularity"}),
		GapEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_gap_events_total",
			Help: "Bucket gaps detected by the aggregator (by granularity)",
		}, []string{"granularity"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_ws_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),
		DroppedTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_dropped_trades_total",
			Help: "Trades dropped (late for a completed bucket or channel full)",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_decode_errors_total",
			Help: "Malformed upstream frames dropped",
		}),
		BookUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_book_updates_total",
			Help: "Order-book writes applied to Redis",
		}),
		ThrottledUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_throttled_updates_total",
			Help: "Order-book deltas skipped by the per-product rate limit",
		}),
		ClientDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_client_drops_total",
			Help: "Frames shed from client send queues under backpressure",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_broadcasts_total",
			Help: "Frames delivered to local clients (by frame type)",
		}, []string{"frame_type"}),
		UpdaterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_updater_errors_total",
			Help: "Continuous updater poll or store failures",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connected_clients",
			Help: "Currently connected local WebSocket clients",
		}),
		UpstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_upstream_state",
			Help: "Upstream connection state (0=idle 1=connecting 2=open 3=closed 4=backoff 5=gave_up)",
		}),
		SubscriptionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_subscriptions",
			Help: "Active client subscriptions",
		}),
	}

	prometheus.MustRegister(
		m.TradesTotal,
		m.CandlesTotal,
		m.GapEventsTotal,
		m.WSReconnects,
		m.DroppedTrades,
		m.DecodeErrors,
		m.BookUpdatesTotal,
		m.ThrottledUpdates,
		m.ClientDropsTotal,
		m.BroadcastsTotal,
		m.UpdaterErrors,
		m.RedisWriteDur,
		m.ConnectedClients,
		m.UpstreamState,
		m.SubscriptionCount,
	)
	return m
}

// Server exposes /metrics and /healthz on a dedicated listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics listener; health may be nil.
func NewServer(addr string, health http.HandlerFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if health != nil {
		mux.HandleFunc("/healthz", health)
	}
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the listener in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
