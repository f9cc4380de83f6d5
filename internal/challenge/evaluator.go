package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/equity"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/store"
)

// Result reports one evaluation.
type Result struct {
	AccountID    string          `json:"account_id"`
	Phase        model.Phase     `json:"phase"`
	Status       model.Status    `json:"status"`
	Previous     model.Status    `json:"previous"`
	Equity       decimal.Decimal `json:"equity"`
	Reason       string          `json:"reason,omitempty"`
	Transitioned bool            `json:"transitioned"`
	NoOp         bool            `json:"noop,omitempty"`   // a concurrent actor already transitioned
	Closed       int             `json:"closed,omitempty"` // positions force-closed
	Blocked      []string        `json:"blocked,omitempty"`
	Fallbacks    int             `json:"fallbacks,omitempty"`
}

// Deps are the evaluator's collaborators.
type Deps struct {
	Store  store.Store
	Ledger *ledger.Ledger
	Feed   pricing.Feed
	Clock  clock.Clock
	Events events.Publisher
	Log    *slog.Logger
}

// Evaluator applies Decide to stored accounts.
type Evaluator struct {
	store  store.Store
	ledger *ledger.Ledger
	feed   pricing.Feed
	clock  clock.Clock
	pub    events.Publisher
	log    *slog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(d Deps) *Evaluator {
	e := &Evaluator{
		store:  d.Store,
		ledger: d.Ledger,
		feed:   d.Feed,
		clock:  d.Clock,
		pub:    events.OrDiscard(d.Events),
		log:    d.Log,
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.ledger == nil {
		e.ledger = ledger.New(ledger.WithLogger(e.log), ledger.WithClock(e.clock.Now))
	}
	return e
}

// Evaluate fetches live prices for the account's open positions in one
// call and evaluates it. An unknown account evaluates to active; a terminal
// account returns its stored status untouched.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string) (Result, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{AccountID: accountID, Status: model.StatusActive}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("evaluate %s: %w", accountID, err)
	}
	if a.Status.Terminal() {
		return stored(a), nil
	}

	positions, err := e.store.ListOpenPositions(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate %s: %w", accountID, err)
	}
	quotes := e.Quotes(ctx, accountID, positions)
	return e.EvaluateWithQuotes(ctx, accountID, quotes)
}

// Quotes batch-fetches live prices for positions. A feed failure yields an
// empty map so every position falls back to its entry price.
func (e *Evaluator) Quotes(ctx context.Context, accountID string, positions []model.Position) map[string]pricing.Quote {
	if len(positions) == 0 || e.feed == nil {
		return nil
	}
	quotes, err := e.feed.GetPrices(ctx, pricing.MarketIDs(positions))
	if err != nil {
		e.log.Warn("price feed unavailable, valuing at entry", "account", accountID, "err", err)
		return nil
	}
	return quotes
}

// EvaluateWithQuotes evaluates the account against already-fetched quotes
// inside one transaction that re-reads the account under lock.
func (e *Evaluator) EvaluateWithQuotes(ctx context.Context, accountID string, quotes map[string]pricing.Quote) (Result, error) {
	var res Result
	var pending []events.Event
	var muts []ledger.Mutation
	now := e.clock.Now()

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, pending, muts = Result{}, nil, nil

		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		res = stored(a)
		if a.Status.Terminal() {
			return nil
		}

		positions, err := tx.ListOpenPositions(ctx, accountID)
		if err != nil {
			return err
		}
		snap := equity.Compute(e.log, accountID, a.CurrentBalance, positions, quotes)
		res.Equity = snap.Equity
		res.Fallbacks = snap.Fallbacks

		dec := Decide(*a, snap.Equity, now)
		if a.Phase == model.PhaseEvaluation && dec.HighWaterMark.GreaterThan(a.HighWaterMark) {
			if err := tx.SetHighWaterMark(ctx, accountID, dec.HighWaterMark); err != nil {
				return err
			}
		}

		switch dec.Action {
		case Hold:
			return nil
		case Pass:
			return e.promote(ctx, tx, a, positions, quotes, snap, now, &res, &pending, &muts)
		}

		to := dec.Next(a.Status)
		applied, err := tx.TransitionStatus(ctx, accountID, a.Status, to, dec.Reason)
		if err != nil {
			return err
		}
		if !applied {
			res.NoOp = true
			return nil
		}
		res.Status, res.Reason, res.Transitioned = to, dec.Reason, true

		if dec.Action == Fail {
			closed, credits, err := e.CloseAll(ctx, tx, accountID, positions, quotes, now)
			if err != nil {
				return err
			}
			res.Closed = closed
			muts = append(muts, credits...)
		}
		pending = append(pending, transitionEvent(accountID, to, dec, snap.Equity, now))
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{AccountID: accountID, Status: model.StatusActive}, nil
	case errors.Is(err, errNoOp):
		pending, muts = nil, nil
	case err != nil:
		return Result{}, fmt.Errorf("evaluate %s: %w", accountID, err)
	}

	e.report(res)
	for _, ev := range pending {
		e.pub.Publish(ctx, ev)
	}
	e.ledger.Announce(ctx, muts...)
	return res, nil
}

func (e *Evaluator) promote(
	ctx context.Context,
	tx store.Tx,
	a *model.Account,
	positions []model.Position,
	quotes map[string]pricing.Quote,
	snap equity.Snapshot,
	now time.Time,
	res *Result,
	pending *[]events.Event,
	muts *[]ledger.Mutation,
) error {
	trades, err := tx.ListTrades(ctx, a.ID, a.CreatedAt)
	if err != nil {
		return err
	}
	gate := Gate(*a, snap.Equity, snap.Unrealized, trades, now)
	if gate.Blocked() {
		res.Blocked = gate.Reasons
		metrics.PromotionsBlocked.Inc()
		e.log.Warn("promotion blocked for manual review",
			"account", a.ID,
			"equity_profit", gate.EquityProfit.String(),
			"trade_profit", gate.TradeProfit.String(),
			"sells", gate.Sells,
			"reasons", gate.Reasons,
		)
		*pending = append(*pending, events.New(events.AccountPromotionBlocked, a.ID, now).
			With("reasons", gate.Reasons).
			With("equity_profit", gate.EquityProfit.String()).
			With("trade_profit", gate.TradeProfit.String()))
		return nil
	}

	closed, credits, err := e.CloseAll(ctx, tx, a.ID, positions, quotes, now)
	if err != nil {
		return err
	}
	applied, err := tx.PromoteToFunded(ctx, a.ID, a.StartingBalance, now)
	if err != nil {
		return err
	}
	if !applied {
		// Closing positions is rolled back with the rest of the transaction.
		res.NoOp = true
		return errNoOp
	}
	reset, err := e.ledger.Reset(ctx, tx, a.ID, a.StartingBalance, "promotion")
	if err != nil {
		return err
	}
	*muts = append(append(*muts, credits...), reset)

	res.Status, res.Phase = model.StatusPassed, model.PhaseFunded
	res.Reason, res.Transitioned, res.Closed = ReasonProfitTarget, true, closed
	*pending = append(*pending, events.New(events.AccountPromoted, a.ID, now).
		WithReason(ReasonProfitTarget).
		With("equity", snap.Equity.String()))
	return nil
}

// errNoOp aborts a transaction whose conditional update lost a race after
// other writes were staged.
var errNoOp = errors.New("challenge: concurrent transition")

// CloseAll force-closes every open position at its live price, falling
// back to entry price, and credits the proceeds to the ledger. It runs
// inside the caller's transaction and returns the ledger credits so the
// caller can Announce them after commit.
func (e *Evaluator) CloseAll(ctx context.Context, tx store.Tx, accountID string, positions []model.Position, quotes map[string]pricing.Quote, now time.Time) (int, []ledger.Mutation, error) {
	closed := 0
	var credits []ledger.Mutation
	for _, p := range positions {
		v := equity.Value(p, quotes)
		pnl := p.Shares.Mul(v.Price.Sub(p.EntryPrice))
		applied, err := tx.ClosePosition(ctx, p.ID, v.RawPrice, pnl, now)
		if err != nil {
			return closed, credits, fmt.Errorf("close position %s: %w", p.ID, err)
		}
		if !applied {
			continue
		}
		if v.Value.IsPositive() {
			m, err := e.ledger.Credit(ctx, tx, accountID, v.Value, "force_close")
			if err != nil {
				return closed, credits, err
			}
			credits = append(credits, m)
		}
		closed++
		e.log.Info("position force-closed",
			"account", accountID,
			"position", p.ID,
			"market", p.MarketID,
			"price", v.RawPrice.String(),
			"pnl", pnl.String(),
			"fallback", v.Fallback,
		)
	}
	return closed, credits, nil
}

// Announce publishes anomaly events for ledger mutations whose
// transaction has committed.
func (e *Evaluator) Announce(ctx context.Context, muts ...ledger.Mutation) {
	e.ledger.Announce(ctx, muts...)
}

func (e *Evaluator) report(res Result) {
	switch {
	case res.NoOp:
		metrics.ConcurrencyNoOps.WithLabelValues("evaluate").Inc()
		e.log.Info("account already transitioned", "account", res.AccountID, "op", "evaluate")
	case res.Transitioned:
		metrics.AccountTransitions.WithLabelValues(string(res.Previous), string(res.Status)).Inc()
		e.log.Info("account transitioned",
			"account", res.AccountID,
			"from", res.Previous,
			"to", res.Status,
			"reason", res.Reason,
			"equity", res.Equity.String(),
		)
	}
}

func stored(a *model.Account) Result {
	return Result{
		AccountID: a.ID,
		Phase:     a.Phase,
		Status:    a.Status,
		Previous:  a.Status,
		Equity:    a.CurrentBalance,
		Reason:    a.FailureReason,
	}
}

func transitionEvent(accountID string, to model.Status, dec Decision, eq decimal.Decimal, now time.Time) events.Event {
	t := events.AccountRecovered
	switch to {
	case model.StatusFailed:
		t = events.AccountFailed
	case model.StatusPendingFailure:
		t = events.AccountPendingFailure
	}
	return events.New(t, accountID, now).
		WithReason(dec.Reason).
		With("equity", eq.String()).
		With("floor", dec.Floor.String())
}
