package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/funding-engine/internal/activity"
	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/equity"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/store"
)

// ResetReport aggregates one daily reset pass.
type ResetReport struct {
	Checked   int `json:"checked"`
	Reset     int `json:"reset"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// ResetDaily snapshots start-of-day equity for every live account whose
// snapshot predates the current UTC day. A pending-failure account still
// at or past its daily loss limit fails; otherwise it returns to active.
// Running it twice on the same day changes nothing.
func (m *Monitor) ResetDaily(ctx context.Context) (ResetReport, error) {
	var rep ResetReport
	accounts, err := m.store.ListAccounts(ctx, store.AccountFilter{
		Statuses: []model.Status{model.StatusActive, model.StatusPendingFailure},
	})
	if err != nil {
		return rep, fmt.Errorf("daily reset: %w", err)
	}

	now := m.clock.Now()
	today := activity.Day(now)
	for _, a := range accounts {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !a.StartOfDayAt.Before(today) {
			continue
		}
		rep.Checked++

		evs, outcome, err := m.resetAccount(ctx, a.ID, today, now)
		if err != nil {
			rep.Errors++
			m.log.Error("daily reset failed", "account", a.ID, "err", err)
			continue
		}
		switch outcome {
		case outcomeFailed:
			rep.Failed++
		case outcomeRecovered:
			rep.Recovered++
			rep.Reset++
		case outcomeReset:
			rep.Reset++
		}
		for _, e := range evs {
			m.pub.Publish(ctx, e)
		}
	}

	m.log.Info("daily reset complete",
		"checked", rep.Checked,
		"reset", rep.Reset,
		"failed", rep.Failed,
		"recovered", rep.Recovered,
		"errors", rep.Errors,
	)
	return rep, nil
}

type resetOutcome int

const (
	outcomeSkipped resetOutcome = iota
	outcomeReset
	outcomeRecovered
	outcomeFailed
)

// resetAccount returns the events to publish after commit and what happened
// to the account. outcomeSkipped means another actor got there first.
func (m *Monitor) resetAccount(ctx context.Context, accountID string, today, now time.Time) (evs []events.Event, outcome resetOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("daily reset %s panicked: %v", accountID, r)
		}
	}()

	positions, err := m.store.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, outcomeSkipped, err
	}
	quotes := m.eval.Quotes(ctx, accountID, positions)

	var credits []ledger.Mutation
	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		evs, outcome, credits = nil, outcomeSkipped, nil
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() || !a.StartOfDayAt.Before(today) {
			return nil
		}
		positions, err := tx.ListOpenPositions(ctx, accountID)
		if err != nil {
			return err
		}
		snap := equity.Compute(m.log, accountID, a.CurrentBalance, positions, quotes)

		if a.Status == model.StatusPendingFailure {
			sod := a.StartOfDayBalance
			if sod.IsZero() {
				sod = a.StartingBalance
			}
			if sod.Sub(snap.Equity).GreaterThanOrEqual(a.Rules.MaxDailyLoss) {
				applied, err := tx.TransitionStatus(ctx, accountID, a.Status, model.StatusFailed, challenge.ReasonDailyNotRecovered)
				if err != nil {
					return err
				}
				if !applied {
					return nil
				}
				if _, credits, err = m.eval.CloseAll(ctx, tx, accountID, positions, quotes, now); err != nil {
					return err
				}
				outcome = outcomeFailed
				evs = append(evs, events.New(events.AccountFailed, accountID, now).
					WithReason(challenge.ReasonDailyNotRecovered).
					With("equity", snap.Equity.String()))
				return nil
			}

			applied, err := tx.TransitionStatus(ctx, accountID, a.Status, model.StatusActive, "")
			if err != nil {
				return err
			}
			if !applied {
				return nil
			}
			outcome = outcomeRecovered
			evs = append(evs, events.New(events.AccountRecovered, accountID, now).
				WithReason("daily reset").
				With("equity", snap.Equity.String()))
		}

		if outcome == outcomeSkipped {
			outcome = outcomeReset
		}
		return tx.SetStartOfDay(ctx, accountID, snap.Equity, now)
	})
	if err != nil {
		return nil, outcomeSkipped, err
	}
	m.eval.Announce(ctx, credits...)

	switch outcome {
	case outcomeFailed:
		metrics.AccountTransitions.WithLabelValues(string(model.StatusPendingFailure), string(model.StatusFailed)).Inc()
		m.log.Warn("account failed at daily reset", "account", accountID, "reason", challenge.ReasonDailyNotRecovered)
	case outcomeRecovered:
		metrics.AccountTransitions.WithLabelValues(string(model.StatusPendingFailure), string(model.StatusActive)).Inc()
		m.log.Info("account recovered at daily reset", "account", accountID)
	case outcomeSkipped:
		metrics.ConcurrencyNoOps.WithLabelValues("daily_reset").Inc()
	}
	return evs, outcome, nil
}
