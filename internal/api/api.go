// Package api exposes the funding engine over HTTP: account evaluation, the
// trade-settled hook, pre-trade limit checks, the payout workflow and the
// rules registry.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/funding-engine/internal/activity"
	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/exposure"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/payout"
	"github.com/atmx/funding-engine/internal/rules"
	"github.com/atmx/funding-engine/internal/store"
)

// Deps are the services behind the API.
type Deps struct {
	Store     store.Store
	Evaluator *challenge.Evaluator
	Tracker   *activity.Tracker
	Limiter   *exposure.Limiter
	Payouts   *payout.Service
	Rules     *rules.Registry
	Hub       *events.Hub // optional live event stream
	Clock     clock.Clock
	Log       *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	store    store.Store
	eval     *challenge.Evaluator
	tracker  *activity.Tracker
	limiter  *exposure.Limiter
	payouts  *payout.Service
	registry *rules.Registry
	hub      *events.Hub
	clock    clock.Clock
	log      *slog.Logger
}

// New creates the API server.
func New(d Deps) *Server {
	s := &Server{
		store:    d.Store,
		eval:     d.Evaluator,
		tracker:  d.Tracker,
		limiter:  d.Limiter,
		payouts:  d.Payouts,
		registry: d.Rules,
		hub:      d.Hub,
		clock:    d.Clock,
		log:      d.Log,
	}
	if s.limiter == nil {
		s.limiter = exposure.NewLimiter()
	}
	if s.registry == nil {
		s.registry = rules.Default()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Router returns the full HTTP handler: middleware, health, metrics and
// the /api/v1 routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "funding-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			s.Routes(r)
		})
	})
	return r
}

// Routes registers the API endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Post("/accounts/{accountID}/evaluate", s.Evaluate)
	r.Post("/accounts/{accountID}/trades", s.TradeSettled)
	r.Post("/accounts/{accountID}/pretrade", s.PreTrade)

	r.Get("/accounts/{accountID}/payouts", s.ListPayouts)
	r.Post("/accounts/{accountID}/payouts", s.RequestPayout)
	r.Get("/accounts/{accountID}/payouts/eligibility", s.PayoutEligibility)
	r.Get("/payouts/{payoutID}", s.GetPayout)
	r.Post("/payouts/{payoutID}/approve", s.ApprovePayout)
	r.Post("/payouts/{payoutID}/processing", s.MarkPayoutProcessing)
	r.Post("/payouts/{payoutID}/complete", s.CompletePayout)
	r.Post("/payouts/{payoutID}/fail", s.FailPayout)

	r.Get("/rules", s.ListRules)
	r.Get("/rules/{tier}", s.GetRules)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a service error onto an HTTP response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var inel *payout.IneligibleError
	switch {
	case errors.As(err, &inel):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "payout not eligible",
			"reasons": inel.Reasons,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, payout.ErrInvalidTransition), ledger.IsHardViolation(err):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, payout.ErrMissingReference), errors.Is(err, rules.ErrUnknownTier):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
