// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts settlement batches by outcome (committed, rejected).
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_settlement_batches_total",
		Help: "Total number of settlement batches by outcome",
	}, []string{"outcome"})

	// BatchLatency tracks settlement batch latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_settlement_batch_latency_seconds",
		Help:    "Settlement batch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// OperationsTotal counts executed operations by kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_settlement_operations_total",
		Help: "Operations executed inside committed batches",
	}, []string{"kind"})

	// QuotesTotal counts quotes by direction (buy, sell).
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_quotes_total",
		Help: "Total option quotes served",
	}, []string{"direction"})

	// OptionVolume tracks contracts traded by direction.
	OptionVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_option_volume_total",
		Help: "Cumulative option contracts traded with the vault",
	}, []string{"direction"})

	// EpochsExecuted counts closed epochs.
	EpochsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_epochs_executed_total",
		Help: "Epoch calculations executed",
	})

	// WithdrawalDeferrals counts epochs whose withdrawals did not fit the buffer.
	WithdrawalDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_withdrawal_deferrals_total",
		Help: "Epochs that deferred withdrawals for lack of free collateral",
	})

	// DustWithdrawals counts completed withdrawals that paid zero collateral.
	DustWithdrawals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_dust_withdrawals_total",
		Help: "Withdrawals whose shares truncated to zero collateral",
	})

	// HedgeRebalances counts keeper delta rebalances by reactor.
	HedgeRebalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_hedge_rebalances_total",
		Help: "Portfolio delta rebalances routed to hedging reactors",
	}, []string{"reactor"})

	// PoolCollateral tracks pool collateral counters by kind
	// (balance, allocated, partitioned, pending_deposits).
	PoolCollateral = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_pool_collateral",
		Help: "Pool collateral counters",
	}, []string{"kind"})

	// SharePrice tracks the latest recorded price-per-share by kind.
	SharePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_share_price",
		Help: "Most recently recorded price-per-share",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts events handed to the Kafka publisher by outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_events_published_total",
		Help: "Domain events published to Kafka",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
