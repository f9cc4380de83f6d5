// Package metrics provides Prometheus instrumentation for the funding engine.
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
	// RiskSweeps counts risk monitor sweeps by result (ok, partial, error, halted).
	RiskSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_risk_sweeps_total",
		Help: "Total risk monitor sweeps",
	}, []string{"result"})

	// RiskSweepDuration tracks sweep wall time.
	RiskSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "funding_risk_sweep_duration_seconds",
		Help:    "Risk sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// AccountsChecked counts per-account risk checks.
	AccountsChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funding_risk_accounts_checked_total",
		Help: "Accounts checked by the risk monitor",
	})

	// AccountTransitions counts applied account status transitions.
	AccountTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_account_transitions_total",
		Help: "Applied account status transitions",
	}, []string{"from", "to"})

	// ConcurrencyNoOps counts conditional updates that lost a race.
	ConcurrencyNoOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_concurrency_noops_total",
		Help: "Conditional updates that found the row already transitioned",
	}, []string{"operation"})

	// PriceFallbacks counts positions valued at entry price for lack of a live price.
	PriceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funding_price_fallbacks_total",
		Help: "Positions valued at entry price because no live price was available",
	})

	// PromotionsBlocked counts promotions stopped by the sanity gate.
	PromotionsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funding_promotions_blocked_total",
		Help: "Promotions blocked pending manual review",
	})

	// LedgerAnomalies counts soft ledger anomalies by kind.
	LedgerAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_ledger_anomalies_total",
		Help: "Balance mutations flagged for review",
	}, []string{"kind"})

	// LedgerRejections counts hard ledger violations by reason.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_ledger_rejections_total",
		Help: "Balance mutations rejected by ledger invariants",
	}, []string{"reason"})

	// Payouts counts payout lifecycle transitions by resulting status.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_payouts_total",
		Help: "Payout lifecycle transitions",
	}, []string{"status"})

	// Leader is 1 while this instance holds the risk-sweep lease.
	Leader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "funding_leader",
		Help: "Whether this instance holds the risk sweep lease",
	}, []string{"instance"})

	// JobRuns counts scheduled job runs by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_job_runs_total",
		Help: "Scheduled job runs",
	}, []string{"job", "result"})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funding_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funding_http_request_duration_seconds",
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

		// Route pattern keeps account and payout IDs out of the label set.
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
