package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/activity"
	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/equity"
	"github.com/atmx/funding-engine/internal/exposure"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/rules"
)

// CreateAccountRequest starts an evaluation.
type CreateAccountRequest struct {
	UserID string     `json:"user_id"`
	Tier   rules.Tier `json:"tier"`
}

// AccountResponse is an account with its live equity.
type AccountResponse struct {
	Account model.Account   `json:"account"`
	Equity  equity.Snapshot `json:"equity"`
}

// TradeSettledRequest notifies the engine of an executed trade.
type TradeSettledRequest struct {
	TradeID     string          `json:"trade_id"`
	Side        model.TradeSide `json:"side"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// TradeSettledResponse reports what the hook did.
type TradeSettledResponse struct {
	TradingDayCounted bool                        `json:"trading_day_counted"`
	Consistency       *activity.ConsistencyResult `json:"consistency,omitempty"`
	Evaluation        challenge.Result            `json:"evaluation"`
}

// PreTradeResponse answers a pre-trade limit check.
type PreTradeResponse struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Usage   exposure.Usage `json:"usage"`
}

// CreateAccount handles POST /api/v1/accounts
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	tier, err := s.registry.Lookup(req.Tier)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.clock.Now()
	a := &model.Account{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		Phase:             model.PhaseEvaluation,
		Status:            model.StatusActive,
		StartingBalance:   tier.StartingBalance,
		CurrentBalance:    tier.StartingBalance,
		HighWaterMark:     tier.StartingBalance,
		StartOfDayBalance: tier.StartingBalance,
		StartOfDayAt:      now,
		TotalPaidOut:      decimal.Zero,
		Rules:             tier,
		CreatedAt:         now,
	}
	if tier.EvaluationDays > 0 {
		a.EndsAt = now.AddDate(0, 0, tier.EvaluationDays)
	}
	if err := s.store.CreateAccount(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("evaluation started", "account", a.ID, "user", a.UserID, "tier", tier.Tier)
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "accountID")
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	positions, err := s.store.ListOpenPositions(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	quotes := s.eval.Quotes(ctx, id, positions)
	writeJSON(w, http.StatusOK, AccountResponse{
		Account: *a,
		Equity:  equity.Compute(s.log, id, a.CurrentBalance, positions, quotes),
	})
}

// Evaluate handles POST /api/v1/accounts/{accountID}/evaluate
func (s *Server) Evaluate(w http.ResponseWriter, r *http.Request) {
	res, err := s.eval.Evaluate(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TradeSettled handles POST /api/v1/accounts/{accountID}/trades.
// It is the synchronous per-trade path: record the trading day, check
// consistency after a profitable close, then evaluate. Activity steps are
// best-effort; only the evaluation can fail the request.
func (s *Server) TradeSettled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "accountID")

	var req TradeSettledRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.ExecutedAt.IsZero() {
		req.ExecutedAt = s.clock.Now()
	}
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}

	var resp TradeSettledResponse
	if s.tracker != nil {
		counted, err := s.tracker.RecordTradingDay(ctx, id, req.ExecutedAt)
		if err == nil {
			resp.TradingDayCounted = counted
		}
		if req.Side == model.SideSell && req.RealizedPnL.IsPositive() {
			if c, err := s.tracker.CheckConsistency(ctx, id, req.ExecutedAt); err == nil {
				resp.Consistency = &c
			}
		}
	}

	res, err := s.eval.Evaluate(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp.Evaluation = res
	writeJSON(w, http.StatusOK, resp)
}

// PreTrade handles POST /api/v1/accounts/{accountID}/pretrade
func (s *Server) PreTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "accountID")

	var order exposure.Order
	if err := decode(r, &order); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if order.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}
	if order.Direction != model.DirectionYes && order.Direction != model.DirectionNo {
		writeError(w, "direction must be YES or NO", http.StatusBadRequest)
		return
	}

	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if a.Status.Terminal() {
		writeJSON(w, http.StatusOK, PreTradeResponse{Reason: "account is " + string(a.Status)})
		return
	}
	open, err := s.store.ListOpenPositions(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	usage, err := s.limiter.Check(a.Rules, open, order)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, PreTradeResponse{Allowed: true, Usage: usage})
	case errors.Is(err, exposure.ErrPositionCountExceeded), errors.Is(err, exposure.ErrExposureExceeded):
		s.log.Info("pre-trade check rejected", "account", id, "market", order.MarketID, "err", err)
		writeJSON(w, http.StatusOK, PreTradeResponse{Reason: err.Error(), Usage: usage})
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
	}
}
