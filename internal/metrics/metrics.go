// Package metrics provides Prometheus instrumentation for the order book engine.
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
	// OrdersPlaced counts accepted orders by kind and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"kind", "side"})

	// OrderRejections counts orders refused before touching the book, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_order_rejections_total",
		Help: "Orders rejected, by reason",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// TradesTotal counts executed trades by strategy (book or impact) and taker side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_trades_total",
		Help: "Total number of trades executed",
	}, []string{"strategy", "side"})

	// MatchPasses counts matching passes by result (crossed, idle, truncated, error).
	MatchPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_match_passes_total",
		Help: "Matching passes by result",
	}, []string{"result"})

	// MatchLatency tracks the duration of one matching pass.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderbook_match_latency_seconds",
		Help:    "Matching pass latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepFillRatio observes filled / requested for market orders.
	SweepFillRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderbook_sweep_fill_ratio",
		Help:    "Filled share of requested quantity for market orders",
		Buckets: []float64{0, 0.25, 0.5, 0.75, 0.9, 0.99, 1},
	})

	// PositionLimitRejections counts orders rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_position_limit_rejections_total",
		Help: "Orders rejected by position limiter",
	})

	// MarketVolume tracks cumulative cash turnover per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_market_volume_total",
		Help: "Cumulative cash volume traded",
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbook_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The chi route pattern keeps ids out of the label set.
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

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
