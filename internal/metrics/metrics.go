// Package metrics provides Prometheus instrumentation for the broker.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts buy requests by final outcome (executed, rejected, failed).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_trades_total",
		Help: "Total number of buy requests by outcome",
	}, []string{"outcome"})

	// TradeLatency tracks end-to-end execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// TradeRejections counts rejected buys by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_trade_rejections_total",
		Help: "Buy requests rejected, by reason",
	}, []string{"reason"})

	// SharesBought tracks cumulative executed quantity per instrument.
	SharesBought = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_shares_bought_total",
		Help: "Cumulative executed buy quantity in shares",
	}, []string{"symbol"})

	// RateLimited counts requests refused by the per-user order limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_rate_limited_total",
		Help: "Order requests refused by the rate limiter",
	})

	// Notifications counts post-commit notifications by channel and outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_notifications_total",
		Help: "Post-trade notifications by channel and outcome",
	}, []string{"channel", "outcome"})

	// NotificationQueueDepth tracks events waiting for a notification worker.
	NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_notification_queue_depth",
		Help: "Trade events waiting to be notified",
	})

	// MarketSyncs counts market-data sync requests by outcome.
	MarketSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_market_syncs_total",
		Help: "Market-data sync requests by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
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

		// Route pattern, not the raw path, to keep label cardinality bounded.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through for the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
