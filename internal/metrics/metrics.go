// Package metrics exposes Prometheus metrics and the /healthz endpoint.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	// Feed
	TicksTotal        prometheus.Counter
	MalformedTicks    prometheus.Counter
	UnknownPairTicks  prometheus.Counter
	FeedReconnects    prometheus.Counter
	FeedState         prometheus.Gauge // feed.State value
	TickApplyDuration prometheus.Histogram
	CommandsTotal     *prometheus.CounterVec // labels: action
	ActivePairs       prometheus.Gauge
	InitFailures      prometheus.Counter
	RetryFailures     prometheus.Counter
	ReconcileFailures prometheus.Counter

	// REST history
	FetchRequests prometheus.Counter
	FetchFailures prometheus.Counter

	// Alerts
	AlertsTotal           *prometheus.CounterVec // labels: trend
	AlertsSuppressed      *prometheus.CounterVec // labels: reason
	AlertsDelivered       prometheus.Counter
	AlertDeliveryFailures prometheus.Counter

	// Cache
	CacheErrors        *prometheus.CounterVec // labels: op
	CacheBreakerState  prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	CacheBreakerTrips  prometheus.Counter
	CachePurgedEntries prometheus.Counter

	// Hub
	HubSubscribers prometheus.Gauge
	HubDrops       prometheus.Counter

	reg prometheus.Registerer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_ticks_total",
			Help: "Candlestick messages applied to a series",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_malformed_ticks_total",
			Help: "Candlestick messages that failed to decode",
		}),
		UnknownPairTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_unknown_pair_ticks_total",
			Help: "Candlestick messages for a pair with no series manager",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_feed_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_feed_state",
			Help: "Upstream connection state (0=idle 1=connecting 2=authenticating 3=subscribed 4=streaming 5=reconnecting)",
		}),
		TickApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_tick_apply_duration_seconds",
			Help:    "Time to apply one tick: merge, analyse, persist, broadcast",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_commands_total",
			Help: "Watch-list commands processed (by action)",
		}, []string{"action"}),
		ActivePairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_active_pairs",
			Help: "Registered (symbol, timeframe) series managers",
		}),
		InitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_init_failures_total",
			Help: "Series initializations that failed and await retry",
		}),
		RetryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_retry_failures_total",
			Help: "Scheduled re-initializations that failed again",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_reconcile_failures_total",
			Help: "Scheduled history reconciliations that failed",
		}),

		FetchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_fetch_requests_total",
			Help: "REST history requests issued",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_fetch_failures_total",
			Help: "REST history requests that failed",
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_alerts_total",
			Help: "Confirmed crossover alerts emitted (by trend)",
		}, []string{"trend"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_alerts_suppressed_total",
			Help: "Confirmed crossovers suppressed by the alert policy (by reason)",
		}, []string{"reason"}),
		AlertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_alerts_delivered_total",
			Help: "Alerts delivered to every notification channel",
		}),
		AlertDeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_alert_delivery_failures_total",
			Help: "Alerts that could not be queued or delivered",
		}),

		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_cache_errors_total",
			Help: "State cache operations that failed (by op)",
		}, []string{"op"}),
		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_cache_circuit_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_cache_circuit_breaker_trips_total",
			Help: "Times the cache circuit breaker tripped open",
		}),
		CachePurgedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_cache_purged_entries_total",
			Help: "Expired cache entries removed by the purge job",
		}),

		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_hub_subscribers",
			Help: "Connected downstream subscribers",
		}),
		HubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_hub_drops_total",
			Help: "Subscribers removed after a failed send",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.MalformedTicks,
		m.UnknownPairTicks,
		m.FeedReconnects,
		m.FeedState,
		m.TickApplyDuration,
		m.CommandsTotal,
		m.ActivePairs,
		m.InitFailures,
		m.RetryFailures,
		m.ReconcileFailures,
		m.FetchRequests,
		m.FetchFailures,
		m.AlertsTotal,
		m.AlertsSuppressed,
		m.AlertsDelivered,
		m.AlertDeliveryFailures,
		m.CacheErrors,
		m.CacheBreakerState,
		m.CacheBreakerTrips,
		m.CachePurgedEntries,
		m.HubSubscribers,
		m.HubDrops,
	)

	return m
}

// Sample registers a gauge that reads fn at scrape time, for values owned
// by another component such as a queue depth.
func (m *Metrics) Sample(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected bool      `json:"feed_connected"`
	FeedState     string    `json:"feed_state"`
	LastTickTime  time.Time `json:"last_tick_time"`
	CacheBackend  string    `json:"cache_backend"`
	CacheOK       bool      `json:"cache_ok"`
	ActivePairs   int       `json:"active_pairs"`
	Timeframes    []string  `json:"timeframes"`

	// Liveness probe results
	CacheLatencyMs float64   `json:"cache_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status for the given cache
// backend ("redis", "sqlite" or "none").
func NewHealthStatus(cacheBackend string) *HealthStatus {
	return &HealthStatus{
		CacheBackend: cacheBackend,
		StartedAt:    time.Now(),
	}
}

func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetCacheOK(v bool) {
	h.mu.Lock()
	h.CacheOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActivePairs(n int) {
	h.mu.Lock()
	h.ActivePairs = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetTimeframes(tfs []string) {
	h.mu.Lock()
	h.Timeframes = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	h.recordProbe(err, time.Since(start))
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	h.recordProbe(err, time.Since(start))
}

func (h *HealthStatus) recordProbe(err error, latency time.Duration) {
	h.mu.Lock()
	h.CacheOK = err == nil
	h.CacheLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic cache checks. At most one of rdb and
// sqlDB is expected to be set.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cacheOK := h.CacheOK || h.CacheBackend == "none"

	// Degraded: cache lost, signals still computed. Unhealthy: no feed.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !cacheOK {
		overallStatus = "degraded"
	}
	if !h.FeedConnected {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string   `json:"status"`
		Uptime         string   `json:"uptime"`
		FeedConnected  bool     `json:"feed_connected"`
		FeedState      string   `json:"feed_state"`
		LastTickTime   string   `json:"last_tick_time"`
		TickAge        string   `json:"tick_age"`
		CacheBackend   string   `json:"cache_backend"`
		CacheOK        bool     `json:"cache_ok"`
		CacheLatencyMs float64  `json:"cache_latency_ms"`
		ActivePairs    int      `json:"active_pairs"`
		Timeframes     []string `json:"timeframes"`
		LastCheckAt    string   `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		FeedState:      h.FeedState,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		CacheBackend:   h.CacheBackend,
		CacheOK:        cacheOK,
		CacheLatencyMs: h.CacheLatencyMs,
		ActivePairs:    h.ActivePairs,
		Timeframes:     h.Timeframes,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
