// Package ledger is the single mutation point for account cash balances.
//
// Every operation runs inside a transaction supplied by the caller so it
// composes atomically with position closure and payout writes. The ledger
// never opens or commits a transaction itself. Each operation re-reads the
// balance under the account row lock, computes the new balance, writes a
// forensic log entry, and stores the result.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/money"
	"github.com/atmx/funding-engine/internal/store"
)

var (
	// ErrNegativeBalance is returned when an operation would leave the
	// balance below -Epsilon.
	ErrNegativeBalance = errors.New("ledger: operation would create negative balance")

	// ErrDeductIncreases is returned when a deduct would raise the balance.
	ErrDeductIncreases = errors.New("ledger: deduct would increase balance")

	// ErrInvalidAmount is returned for a negative credit.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// IsHardViolation reports whether err is a ledger invariant violation that
// must abort the surrounding transaction.
func IsHardViolation(err error) bool {
	return errors.Is(err, ErrNegativeBalance) || errors.Is(err, ErrDeductIncreases) || errors.Is(err, ErrInvalidAmount)
}

// Operation names recorded in the balance log.
const (
	OpDeduct = "DEDUCT"
	OpCredit = "CREDIT"
	OpAdjust = "ADJUST"
	OpReset  = "RESET"
)

// Anomaly kinds. Anomalies are logged for review and never block.
const (
	AnomalyLargeDelta      = "large_delta"
	AnomalyCreditOverStart = "credit_exceeds_starting_balance"
)

// DefaultAnomalyThreshold is the absolute delta above which a mutation is
// flagged for review.
var DefaultAnomalyThreshold = decimal.NewFromInt(5000)

// Mutation describes an applied balance change.
type Mutation struct {
	AccountID string          `json:"account_id"`
	Operation string          `json:"operation"`
	Source    string          `json:"source"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Delta     decimal.Decimal `json:"delta"`
	Anomaly   string          `json:"anomaly,omitempty"`
	At        time.Time       `json:"at"`
}

// Event returns the ledger.anomaly event for a flagged mutation.
func (m Mutation) Event() (events.Event, bool) {
	if m.Anomaly == "" {
		return events.Event{}, false
	}
	return events.New(events.LedgerAnomaly, m.AccountID, m.At).
		WithReason(m.Anomaly).
		With("operation", m.Operation).
		With("source", m.Source).
		With("before", m.Before.String()).
		With("after", m.After.String()).
		With("delta", m.Delta.String()), true
}

// Ledger applies balance mutations.
type Ledger struct {
	log              *slog.Logger
	now              func() time.Time
	anomalyThreshold decimal.Decimal
	pub              events.Publisher
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Ledger) { g.log = l } }

// WithClock sets the time source for log entries.
func WithClock(now func() time.Time) Option { return func(g *Ledger) { g.now = now } }

// WithAnomalyThreshold sets the large-delta review threshold.
func WithAnomalyThreshold(d decimal.Decimal) Option {
	return func(g *Ledger) { g.anomalyThreshold = d }
}

// WithPublisher sets where Announce sends anomaly events.
func WithPublisher(p events.Publisher) Option { return func(g *Ledger) { g.pub = p } }

// New creates a ledger.
func New(opts ...Option) *Ledger {
	g := &Ledger{
		log:              slog.Default(),
		now:              func() time.Time { return time.Now().UTC() },
		anomalyThreshold: DefaultAnomalyThreshold,
	}
	for _, o := range opts {
		o(g)
	}
	g.pub = events.OrDiscard(g.pub)
	return g
}

// Announce publishes an anomaly event for every flagged mutation. Call it
// only after the transaction that applied the mutations has committed.
func (g *Ledger) Announce(ctx context.Context, muts ...Mutation) {
	for _, m := range muts {
		if e, ok := m.Event(); ok {
			g.pub.Publish(ctx, e)
		}
	}
}

// Deduct removes amount from the balance.
func (g *Ledger) Deduct(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, source string) (Mutation, error) {
	return g.apply(ctx, tx, accountID, OpDeduct, source, amount, func(before decimal.Decimal) decimal.Decimal {
		return before.Sub(amount)
	})
}

// Credit adds a non-negative amount to the balance.
func (g *Ledger) Credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, source string) (Mutation, error) {
	if amount.IsNegative() {
		metrics.LedgerRejections.WithLabelValues("invalid_amount").Inc()
		return Mutation{}, fmt.Errorf("%w: credit of %s", ErrInvalidAmount, amount)
	}
	return g.apply(ctx, tx, accountID, OpCredit, source, amount, func(before decimal.Decimal) decimal.Decimal {
		return before.Add(amount)
	})
}

// Adjust applies a signed delta.
func (g *Ledger) Adjust(ctx context.Context, tx store.Tx, accountID string, delta decimal.Decimal, source string) (Mutation, error) {
	return g.apply(ctx, tx, accountID, OpAdjust, source, delta, func(before decimal.Decimal) decimal.Decimal {
		return before.Add(delta)
	})
}

// Reset sets the balance to an absolute value.
func (g *Ledger) Reset(ctx context.Context, tx store.Tx, accountID string, newBalance decimal.Decimal, source string) (Mutation, error) {
	return g.apply(ctx, tx, accountID, OpReset, source, newBalance, func(decimal.Decimal) decimal.Decimal {
		return newBalance
	})
}

func (g *Ledger) apply(
	ctx context.Context,
	tx store.Tx,
	accountID, op, source string,
	amount decimal.Decimal,
	compute func(before decimal.Decimal) decimal.Decimal,
) (Mutation, error) {
	acct, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return Mutation{}, fmt.Errorf("ledger %s: %w", op, err)
	}

	before := acct.CurrentBalance
	after := compute(before)
	m := Mutation{
		AccountID: accountID,
		Operation: op,
		Source:    source,
		Before:    before,
		After:     after,
		Delta:     after.Sub(before),
		At:        g.now(),
	}

	if op == OpDeduct && m.Delta.IsPositive() {
		g.reject(m, "deduct_increases")
		return Mutation{}, fmt.Errorf("%w: account %s before=%s after=%s", ErrDeductIncreases, accountID, before, after)
	}
	if after.LessThan(money.Epsilon.Neg()) {
		g.reject(m, "negative_balance")
		return Mutation{}, fmt.Errorf("%w: account %s before=%s after=%s", ErrNegativeBalance, accountID, before, after)
	}

	switch {
	case op == OpCredit && amount.GreaterThan(acct.StartingBalance):
		m.Anomaly = AnomalyCreditOverStart
	case m.Delta.Abs().GreaterThan(g.anomalyThreshold):
		m.Anomaly = AnomalyLargeDelta
	}

	if err := tx.SetBalance(ctx, accountID, after); err != nil {
		return Mutation{}, fmt.Errorf("ledger %s: %w", op, err)
	}
	entry := &model.BalanceLogEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Operation: op,
		Source:    source,
		Before:    before,
		After:     after,
		Delta:     m.Delta,
		Anomaly:   m.Anomaly,
		CreatedAt: m.At,
	}
	if err := tx.AppendBalanceLog(ctx, entry); err != nil {
		return Mutation{}, fmt.Errorf("ledger %s: %w", op, err)
	}

	g.log.Info("balance mutation",
		"account", accountID,
		"op", op,
		"source", source,
		"before", before.String(),
		"after", after.String(),
		"delta", m.Delta.String(),
	)
	if m.Anomaly != "" {
		metrics.LedgerAnomalies.WithLabelValues(m.Anomaly).Inc()
		g.log.Warn("balance anomaly flagged for review",
			"anomaly", m.Anomaly,
			"account", accountID,
			"op", op,
			"source", source,
			"delta", m.Delta.String(),
			"starting_balance", acct.StartingBalance.String(),
		)
	}
	return m, nil
}

func (g *Ledger) reject(m Mutation, reason string) {
	metrics.LedgerRejections.WithLabelValues(reason).Inc()
	g.log.Error("balance mutation rejected",
		"reason", reason,
		"account", m.AccountID,
		"op", m.Operation,
		"source", m.Source,
		"before", m.Before.String(),
		"after", m.After.String(),
	)
}
