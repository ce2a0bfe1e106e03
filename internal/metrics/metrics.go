package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading core.
type Metrics struct {
	// Request pipeline
	RequestsTotal   *prometheus.CounterVec // labels: status=ok|invalid|data_error
	RequestDur      prometheus.Histogram
	BarsNormalized  prometheus.Counter
	BarsRejected    prometheus.Counter
	SignalsTotal    *prometheus.CounterVec // labels: rule
	EvalErrorsTotal prometheus.Counter

	// Indicator engine
	IndicatorComputeDur prometheus.Histogram
	IndicatorCacheHits  prometheus.Counter
	IndicatorCacheMiss  prometheus.Counter

	// Execution
	OrdersTotal       *prometheus.CounterVec // labels: backend, final_state
	StateTransitions  *prometheus.CounterVec // labels: from, to
	SubmitRetries     prometheus.Counter
	LedgerAppendDur   prometheus.Histogram
	ReconciledOrders  prometheus.Counter
	OrdersInFlight    prometheus.Gauge

	// Market data feed
	FeedReconnects prometheus.Counter
	RingBufDrops   prometheus.Counter

	// Redis bar store
	RedisWriteDur       prometheus.Histogram
	RedisBreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips   prometheus.Counter
	RedisBufferedWrites prometheus.Counter
}

// New registers all metrics on the default Prometheus registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics on reg. Tests pass a fresh registry so
// repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_requests_total",
			Help: "Strategy requests handled, by outcome",
		}, []string{"status"}),
		RequestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_request_duration_seconds",
			Help:    "End-to-end strategy request latency",
			Buckets: prometheus.DefBuckets,
		}),
		BarsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_bars_normalized_total",
			Help: "Raw bars normalized into canonical series",
		}),
		BarsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_bars_rejected_total",
			Help: "Raw bars rejected by integrity checks",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Signals produced by rule evaluation, by rule",
		}, []string{"rule"}),
		EvalErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_eval_errors_total",
			Help: "Per-instrument rule evaluation failures",
		}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_indicator_compute_duration_seconds",
			Help:    "Indicator computation latency per series",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		IndicatorCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_indicator_cache_hits_total",
			Help: "Indicator cache hits",
		}),
		IndicatorCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_indicator_cache_misses_total",
			Help: "Indicator cache misses",
		}),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders reaching a terminal state, by backend and state",
		}, []string{"backend", "final_state"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_transitions_total",
			Help: "Order state transitions",
		}, []string{"from", "to"}),
		SubmitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_submit_retries_total",
			Help: "Order submission retries after retryable failures",
		}),
		LedgerAppendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_ledger_append_duration_seconds",
			Help:    "Ledger append transaction latency",
			Buckets: prometheus.DefBuckets,
		}),
		ReconciledOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconciled_orders_total",
			Help: "Non-terminal orders resolved during startup reconciliation",
		}),
		OrdersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_orders_in_flight",
			Help: "Orders currently between submission and a terminal state",
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_feed_reconnects_total",
			Help: "Market data stream reconnection attempts",
		}),
		RingBufDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ringbuf_drops_total",
			Help: "Bars dropped on ring buffer overflow",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_redis_write_duration_seconds",
			Help:    "Redis bar write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis breaker was open",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDur,
		m.BarsNormalized,
		m.BarsRejected,
		m.SignalsTotal,
		m.EvalErrorsTotal,
		m.IndicatorComputeDur,
		m.IndicatorCacheHits,
		m.IndicatorCacheMiss,
		m.OrdersTotal,
		m.StateTransitions,
		m.SubmitRetries,
		m.LedgerAppendDur,
		m.ReconciledOrders,
		m.OrdersInFlight,
		m.FeedReconnects,
		m.RingBufDrops,
		m.RedisWriteDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool
	LedgerOK       bool
	FeedConnected  bool

	RedisLatencyMs  float64
	LedgerLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckLedger pings the ledger database and records latency + health.
func (h *HealthStatus) CheckLedger(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.LedgerOK = err == nil
	h.LedgerLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, ledgerDB *sql.DB, interval time.Duration) {
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
				if ledgerDB != nil {
					h.CheckLedger(probeCtx, ledgerDB)
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

	overall := "healthy"
	code := http.StatusOK
	if !h.LedgerOK {
		// The ledger is the one dependency execution cannot run without.
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !h.RedisConnected || !h.FeedConnected {
		overall = "degraded"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		LedgerOK        bool    `json:"ledger_ok"`
		LedgerLatencyMs float64 `json:"ledger_latency_ms"`
		FeedConnected   bool    `json:"feed_connected"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		LedgerOK:        h.LedgerOK,
		LedgerLatencyMs: h.LedgerLatencyMs,
		FeedConnected:   h.FeedConnected,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
