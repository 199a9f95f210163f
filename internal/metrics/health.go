package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health aggregates process and pipeline status for /health. Components
// push their state through the setters; reads are lock-free snapshots of
// small value types.
type Health struct {
	startedAt time.Time

	mu             sync.RWMutex
	upstreamState  string
	redisAvailable bool
	clients        int
	subscriptions  int
	cacheSizes     map[string]int
	lastTradeAt    time.Time
}

// NewHealth creates the health tracker.
func NewHealth() *Health {
	return &Health{
		startedAt:  time.Now(),
		cacheSizes: make(map[string]int),
	}
}

func (h *Health) SetUpstreamState(s string) {
	h.mu.Lock()
	h.upstreamState = s
	h.mu.Unlock()
}

func (h *Health) SetRedisAvailable(v bool) {
	h.mu.Lock()
	h.redisAvailable = v
	h.mu.Unlock()
}

func (h *Health) SetCounts(clients, subscriptions int) {
	h.mu.Lock()
	h.clients = clients
	h.subscriptions = subscriptions
	h.mu.Unlock()
}

func (h *Health) SetCacheSize(name string, size int) {
	h.mu.Lock()
	h.cacheSizes[name] = size
	h.mu.Unlock()
}

func (h *Health) TouchTrade() {
	h.mu.Lock()
	h.lastTradeAt = time.Now()
	h.mu.Unlock()
}

type healthResponse struct {
	Status         string         `json:"status"`
	Uptime         string         `json:"uptime"`
	UpstreamState  string         `json:"upstream_state"`
	RedisAvailable bool           `json:"redis_available"`
	Clients        int            `json:"clients"`
	Subscriptions  int            `json:"subscriptions"`
	CacheSizes     map[string]int `json:"cache_sizes"`
	LastTradeAge   string         `json:"last_trade_age,omitempty"`
	Goroutines     int            `json:"goroutines"`
	MemoryMB       float64        `json:"memory_mb"`
	MemoryPct      float64        `json:"memory_pct"`
	CPUPct         float64        `json:"cpu_pct"`
}

// ServeHTTP renders the health payload. Degraded (503) when the upstream
// socket is down or Redis is unavailable.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := healthResponse{
		Status:         "healthy",
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		UpstreamState:  h.upstreamState,
		RedisAvailable: h.redisAvailable,
		Clients:        h.clients,
		Subscriptions:  h.subscriptions,
		CacheSizes:     make(map[string]int, len(h.cacheSizes)),
		Goroutines:     runtime.NumGoroutine(),
	}
	for k, v := range h.cacheSizes {
		resp.CacheSizes[k] = v
	}
	if !h.lastTradeAt.IsZero() {
		resp.LastTradeAge = time.Since(h.lastTradeAt).Round(time.Millisecond).String()
	}
	h.mu.RUnlock()

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPct = vm.UsedPercent
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.MemoryMB = float64(ms.Alloc) / (1 << 20)
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		resp.CPUPct = pcts[0]
	}

	status := http.StatusOK
	if resp.UpstreamState != "open" || !resp.RedisAvailable {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
