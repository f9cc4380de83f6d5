// Package challenge is the account state machine: it decides from current
// equity whether an account stays active, breaches, recovers, or passes
// its evaluation, and applies that decision atomically.
package challenge

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
)

// Failure and transition reasons surfaced on the account.
const (
	ReasonDrawdown          = "max drawdown exceeded"
	ReasonExpired           = "evaluation period expired"
	ReasonDailyLoss         = "daily loss limit exceeded"
	ReasonDailyNotRecovered = "daily loss not recovered before reset"
	ReasonRecovered         = "daily loss recovered"
	ReasonProfitTarget      = "profit target reached"
)

// Action is what a decision asks for.
type Action int

const (
	Hold Action = iota
	Fail
	MarkPending
	Recover
	Pass
)

func (a Action) String() string {
	switch a {
	case Fail:
		return "fail"
	case MarkPending:
		return "pending_failure"
	case Recover:
		return "recover"
	case Pass:
		return "pass"
	default:
		return "hold"
	}
}

// Decision is the pure outcome of Decide.
type Decision struct {
	Action        Action
	Reason        string
	HighWaterMark decimal.Decimal // evaluation: max(stored, equity)
	Floor         decimal.Decimal // equity at or below which the account fails
	DailyLoss     decimal.Decimal
}

// Next returns the status the action leads to from current.
func (d Decision) Next(current model.Status) model.Status {
	switch d.Action {
	case Fail:
		return model.StatusFailed
	case MarkPending:
		return model.StatusPendingFailure
	case Recover:
		return model.StatusActive
	case Pass:
		return model.StatusPassed
	default:
		return current
	}
}

// Decide applies the account's rules to equity at now. Checks run in
// order: drawdown, expiry, daily loss, profit target. Breach boundaries are
// inclusive.
func Decide(a model.Account, equity decimal.Decimal, now time.Time) Decision {
	r := a.Rules
	d := Decision{HighWaterMark: a.HighWaterMark}

	if a.Status.Terminal() {
		return d
	}

	// Evaluation drawdown trails the high-water mark; funded drawdown is
	// static from the starting balance.
	if a.Phase == model.PhaseEvaluation {
		if equity.GreaterThan(d.HighWaterMark) {
			d.HighWaterMark = equity
		}
		d.Floor = d.HighWaterMark.Sub(r.MaxTotalDrawdown)
	} else {
		d.Floor = a.StartingBalance.Sub(r.MaxTotalDrawdown)
	}
	if equity.LessThanOrEqual(d.Floor) {
		d.Action, d.Reason = Fail, ReasonDrawdown
		return d
	}

	if !a.EndsAt.IsZero() && !now.Before(a.EndsAt) {
		d.Action, d.Reason = Fail, ReasonExpired
		return d
	}

	sod := a.StartOfDayBalance
	if sod.IsZero() {
		sod = a.StartingBalance
	}
	d.DailyLoss = sod.Sub(equity)
	breached := d.DailyLoss.GreaterThanOrEqual(r.MaxDailyLoss)
	switch {
	case breached && a.Status == model.StatusActive:
		d.Action, d.Reason = MarkPending, ReasonDailyLoss
		return d
	case breached:
		return d
	case a.Status == model.StatusPendingFailure:
		d.Action, d.Reason = Recover, ReasonRecovered
		return d
	}

	if a.Phase == model.PhaseEvaluation && a.Status == model.StatusActive &&
		equity.Sub(a.StartingBalance).GreaterThanOrEqual(r.ProfitTarget) {
		d.Action, d.Reason = Pass, ReasonProfitTarget
	}
	return d
}
