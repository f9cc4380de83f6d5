// Package activity tracks trading days, flags single-day profit
// concentration, and terminates inactive funded accounts.
//
// Every operation is best-effort: failures are logged per account and never
// abort a batch.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/store"
)

const (
	// InactivityLimit is how long a funded account may go without trading.
	InactivityLimit = 30 * 24 * time.Hour

	// ConsistencyMinTrades is the day trade count below which concentrated
	// profit is flagged.
	ConsistencyMinTrades = 3

	// InactivityReason is recorded on terminated accounts.
	InactivityReason = "inactive for more than 30 days"
)

// ConsistencyShare is the share of cycle profit a single day may carry.
var ConsistencyShare = decimal.RequireFromString("0.5")

// Tracker records and checks account activity.
type Tracker struct {
	store store.Store
	clock clock.Clock
	log   *slog.Logger
	pub   events.Publisher
}

// NewTracker creates an activity tracker.
func NewTracker(s store.Store, clk clock.Clock, pub events.Publisher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{store: s, clock: clk, log: log, pub: events.OrDiscard(pub)}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RecordTradingDay stamps lastActivityAt. On the first trade of a UTC day
// for a funded account it also increments activeTradingDays. It reports
// whether a new trading day was counted.
func (t *Tracker) RecordTradingDay(ctx context.Context, accountID string, at time.Time) (bool, error) {
	var newDay bool
	err := t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		newDay = a.Phase == model.PhaseFunded &&
			(a.LastActivityAt.IsZero() || Day(a.LastActivityAt).Before(Day(at)))
		stamp := at
		if a.LastActivityAt.After(at) {
			stamp = a.LastActivityAt
		}
		return tx.RecordActivity(ctx, accountID, newDay, stamp)
	})
	if err != nil {
		t.log.Error("record trading day failed", "account", accountID, "err", err)
		return false, fmt.Errorf("record trading day %s: %w", accountID, err)
	}
	if newDay {
		t.log.Info("trading day counted", "account", accountID, "day", Day(at).Format(time.DateOnly))
	}
	return newDay, nil
}

// ConsistencyResult explains a consistency check.
type ConsistencyResult struct {
	Flagged     bool            `json:"flagged"`
	DayTrades   int             `json:"day_trades"`
	DayProfit   decimal.Decimal `json:"day_profit"`
	CycleProfit decimal.Decimal `json:"cycle_profit"`
}

// CheckConsistency flags the account when fewer than ConsistencyMinTrades
// trades occurred on the UTC day of at and that day's realized profit
// exceeds ConsistencyShare of the payout cycle's realized profit. The flag
// is soft: it never blocks anything.
func (t *Tracker) CheckConsistency(ctx context.Context, accountID string, at time.Time) (ConsistencyResult, error) {
	var res ConsistencyResult
	a, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		t.log.Error("consistency check failed", "account", accountID, "err", err)
		return res, fmt.Errorf("consistency %s: %w", accountID, err)
	}
	cycleStart := a.PayoutCycleStart
	if cycleStart.IsZero() {
		cycleStart = a.CreatedAt
	}
	trades, err := t.store.ListTrades(ctx, accountID, cycleStart)
	if err != nil {
		t.log.Error("consistency check failed", "account", accountID, "err", err)
		return res, fmt.Errorf("consistency %s: %w", accountID, err)
	}

	day := Day(at)
	res.DayProfit, res.CycleProfit = decimal.Zero, decimal.Zero
	for _, tr := range trades {
		today := !tr.ExecutedAt.Before(day) && tr.ExecutedAt.Before(day.Add(24*time.Hour))
		if today {
			res.DayTrades++
		}
		if tr.Side != model.SideSell {
			continue
		}
		res.CycleProfit = res.CycleProfit.Add(tr.RealizedPnL)
		if today {
			res.DayProfit = res.DayProfit.Add(tr.RealizedPnL)
		}
	}

	res.Flagged = res.DayTrades < ConsistencyMinTrades &&
		res.CycleProfit.IsPositive() &&
		res.DayProfit.GreaterThan(res.CycleProfit.Mul(ConsistencyShare))
	if !res.Flagged || a.ConsistencyFlagged {
		return res, nil
	}

	err = t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetConsistencyFlag(ctx, accountID, true)
	})
	if err != nil {
		t.log.Error("set consistency flag failed", "account", accountID, "err", err)
		return res, fmt.Errorf("consistency %s: %w", accountID, err)
	}
	t.log.Warn("consistency flagged for review",
		"account", accountID,
		"day_trades", res.DayTrades,
		"day_profit", res.DayProfit.String(),
		"cycle_profit", res.CycleProfit.String(),
	)
	t.pub.Publish(ctx, events.New(events.AccountConsistencyFlagged, accountID, t.clock.Now()).
		With("day_trades", res.DayTrades).
		With("day_profit", res.DayProfit.String()).
		With("cycle_profit", res.CycleProfit.String()))
	return res, nil
}

// InactivityReport aggregates one inactivity pass.
type InactivityReport struct {
	Checked    int      `json:"checked"`
	Terminated []string `json:"terminated"`
	Skipped    int      `json:"skipped"` // already transitioned by another actor
	Errors     int      `json:"errors"`
}

// CheckInactivity fails every funded, active account whose last activity is
// older than InactivityLimit.
func (t *Tracker) CheckInactivity(ctx context.Context) (InactivityReport, error) {
	var rep InactivityReport
	accounts, err := t.store.ListAccounts(ctx, store.AccountFilter{
		Phases:   []model.Phase{model.PhaseFunded},
		Statuses: []model.Status{model.StatusActive},
	})
	if err != nil {
		return rep, fmt.Errorf("list funded accounts: %w", err)
	}

	now := t.clock.Now()
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		last := lastActivity(a)
		if now.Sub(last) <= InactivityLimit {
			continue
		}

		var applied bool
		err := t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			applied, err = tx.TransitionStatus(ctx, a.ID, model.StatusActive, model.StatusFailed, InactivityReason)
			return err
		})
		switch {
		case err != nil:
			rep.Errors++
			t.log.Error("inactivity termination failed", "account", a.ID, "err", err)
		case !applied:
			rep.Skipped++
			metrics.ConcurrencyNoOps.WithLabelValues("inactivity").Inc()
			t.log.Info("account already transitioned", "account", a.ID, "op", "inactivity")
		default:
			rep.Terminated = append(rep.Terminated, a.ID)
			metrics.AccountTransitions.WithLabelValues(string(model.StatusActive), string(model.StatusFailed)).Inc()
			t.log.Warn("account terminated for inactivity", "account", a.ID, "last_activity", last)
			t.pub.Publish(ctx, events.New(events.AccountInactiveTerminated, a.ID, now).WithReason(InactivityReason))
		}
	}

	t.log.Info("inactivity pass complete",
		"checked", rep.Checked,
		"terminated", len(rep.Terminated),
		"skipped", rep.Skipped,
		"errors", rep.Errors,
	)
	return rep, nil
}

// lastActivity falls back to the start of the payout cycle for accounts
// that have never traded.
func lastActivity(a model.Account) time.Time {
	switch {
	case !a.LastActivityAt.IsZero():
		return a.LastActivityAt
	case !a.PayoutCycleStart.IsZero():
		return a.PayoutCycleStart
	default:
		return a.CreatedAt
	}
}
