// Package payout implements payout eligibility, calculation and the
// pending → approved → processing → {completed, failed} lifecycle.
//
// Every lifecycle step re-reads the payout under a row lock and checks its
// current status explicitly. An out-of-order step is a workflow bug and
// returns ErrInvalidTransition rather than a silent no-op.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/money"
	"github.com/atmx/funding-engine/internal/resolution"
	"github.com/atmx/funding-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned when a lifecycle step does not match
	// the payout's current status.
	ErrInvalidTransition = errors.New("payout: invalid status transition")

	// ErrMissingReference is returned when completion lacks a settlement
	// transaction hash.
	ErrMissingReference = errors.New("payout: missing transaction hash")
)

// Eligibility reasons.
const (
	ReasonNotFunded      = "account is not in the funded phase"
	ReasonNotActive      = "account is not active"
	ReasonNoProfit       = "no eligible profit"
	ReasonTradingDays    = "not enough active trading days"
	ReasonPayoutInFlight = "a payout is already in progress"
)

// IneligibleError lists every eligibility check an account failed.
type IneligibleError struct {
	AccountID string
	Reasons   []string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("payout: account %s ineligible: %s", e.AccountID, strings.Join(e.Reasons, "; "))
}

// Eligibility is the result of CheckEligibility.
type Eligibility struct {
	AccountID   string      `json:"account_id"`
	Eligible    bool        `json:"eligible"`
	Reasons     []string    `json:"reasons,omitempty"`
	Flagged     bool        `json:"consistency_flagged"`
	TradingDays int         `json:"active_trading_days"`
	MinDays     int         `json:"min_trading_days"`
	Calculation Calculation `json:"calculation"`
}

// Excluder computes resolution profit to exclude from a payout cycle.
type Excluder interface {
	GetExcludedPnL(ctx context.Context, r store.Reader, accountID string, cycleStart time.Time) (decimal.Decimal, []resolution.Exclusion, error)
}

// Deps wires a Service.
type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Excluder Excluder
	Clock    clock.Clock
	Events   events.Publisher
	Log      *slog.Logger
}

// Service runs payouts.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	excluder Excluder
	clock    clock.Clock
	pub      events.Publisher
	log      *slog.Logger
}

// NewService creates a payout service.
func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		ledger:   d.Ledger,
		excluder: d.Excluder,
		clock:    d.Clock,
		pub:      events.OrDiscard(d.Events),
		log:      d.Log,
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// CheckEligibility reports every failed requirement at once. A consistency
// flag is surfaced for review but does not block.
func (s *Service) CheckEligibility(ctx context.Context, accountID string) (Eligibility, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Eligibility{}, err
	}
	calc, err := s.calculate(ctx, s.store, a)
	if err != nil {
		return Eligibility{}, err
	}
	payouts, err := s.store.ListPayouts(ctx, accountID)
	if err != nil {
		return Eligibility{}, err
	}
	return eligibility(a, calc, payouts), nil
}

// CalculatePayout returns the payout breakdown for the account's current
// cycle without checking eligibility.
func (s *Service) CalculatePayout(ctx context.Context, accountID string) (Calculation, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Calculation{}, err
	}
	return s.calculate(ctx, s.store, a)
}

func (s *Service) calculate(ctx context.Context, r store.Reader, a *model.Account) (Calculation, error) {
	excluded := decimal.Zero
	var exclusions []resolution.Exclusion
	if s.excluder != nil {
		var err error
		excluded, exclusions, err = s.excluder.GetExcludedPnL(ctx, r, a.ID, cycleStart(a))
		if err != nil {
			return Calculation{}, err
		}
	}
	calc := Calculate(a.CurrentBalance, a.StartingBalance, excluded, a.Rules.ProfitSplit, a.Rules.PayoutCap)
	calc.Exclusions = exclusions
	return calc, nil
}

func eligibility(a *model.Account, calc Calculation, payouts []model.Payout) Eligibility {
	el := Eligibility{
		AccountID:   a.ID,
		Flagged:     a.ConsistencyFlagged,
		TradingDays: a.ActiveTradingDays,
		MinDays:     a.Rules.MinTradingDays,
		Calculation: calc,
	}
	if a.Phase != model.PhaseFunded {
		el.Reasons = append(el.Reasons, ReasonNotFunded)
	}
	if a.Status != model.StatusActive {
		el.Reasons = append(el.Reasons, ReasonNotActive)
	}
	if !calc.CappedProfit.IsPositive() {
		el.Reasons = append(el.Reasons, ReasonNoProfit)
	}
	if a.ActiveTradingDays < a.Rules.MinTradingDays {
		el.Reasons = append(el.Reasons, ReasonTradingDays)
	}
	for _, p := range payouts {
		if !p.Status.Terminal() {
			el.Reasons = append(el.Reasons, ReasonPayoutInFlight)
			break
		}
	}
	el.Eligible = len(el.Reasons) == 0
	return el
}

func cycleStart(a *model.Account) time.Time {
	if !a.PayoutCycleStart.IsZero() {
		return a.PayoutCycleStart
	}
	return a.CreatedAt
}

// Request creates a pending payout. Resolution exclusions are computed
// before the transaction; eligibility is re-checked under the account lock.
func (s *Service) Request(ctx context.Context, accountID string) (*model.Payout, error) {
	pre, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	excl, err := s.calculate(ctx, s.store, pre)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var p *model.Payout
	var flagged bool
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		payouts, err := tx.ListPayouts(ctx, accountID)
		if err != nil {
			return err
		}
		calc := Calculate(a.CurrentBalance, a.StartingBalance, excl.ExcludedPnL, a.Rules.ProfitSplit, a.Rules.PayoutCap)
		calc.Exclusions = excl.Exclusions
		el := eligibility(a, calc, payouts)
		if !el.Eligible {
			return &IneligibleError{AccountID: accountID, Reasons: el.Reasons}
		}
		flagged = a.ConsistencyFlagged

		p = &model.Payout{
			ID:             uuid.New().String(),
			AccountID:      accountID,
			UserID:         a.UserID,
			Status:         model.PayoutPending,
			Amount:         calc.NetPayout,
			GrossProfit:    calc.GrossProfit,
			ExcludedPnL:    calc.ExcludedPnL,
			AdjustedProfit: calc.AdjustedProfit,
			CappedProfit:   calc.CappedProfit,
			FirmShare:      calc.FirmShare,
			ProfitSplit:    calc.ProfitSplit,
			RequestedAt:    now,
		}
		return tx.InsertPayout(ctx, p)
	})
	if err != nil {
		var inel *IneligibleError
		if errors.As(err, &inel) {
			s.log.Info("payout request rejected", "account", accountID, "reasons", inel.Reasons)
			return nil, err
		}
		return nil, fmt.Errorf("request payout %s: %w", accountID, err)
	}

	metrics.Payouts.WithLabelValues(string(model.PayoutPending)).Inc()
	s.log.Info("payout requested",
		"account", accountID,
		"payout", p.ID,
		"amount", p.Amount.String(),
		"capped", p.CappedProfit.String(),
		"excluded", p.ExcludedPnL.String(),
		"consistency_flagged", flagged,
	)
	s.publish(ctx, events.PayoutRequested, p, "")
	return p, nil
}

// Approve moves a pending payout to approved.
func (s *Service) Approve(ctx context.Context, payoutID, approver string) (*model.Payout, error) {
	return s.transition(ctx, payoutID, model.PayoutApproved, []model.PayoutStatus{model.PayoutPending},
		func(_ context.Context, _ store.Tx, p *model.Payout, now time.Time) error {
			p.ApprovedBy = approver
			p.ApprovedAt = now
			return nil
		})
}

// MarkProcessing moves an approved payout to processing once settlement
// has been handed to the wallet integration.
func (s *Service) MarkProcessing(ctx context.Context, payoutID string) (*model.Payout, error) {
	return s.transition(ctx, payoutID, model.PayoutProcessing, []model.PayoutStatus{model.PayoutApproved},
		func(_ context.Context, _ store.Tx, p *model.Payout, now time.Time) error {
			p.ProcessingAt = now
			return nil
		})
}

// Complete settles a processing payout. In one transaction it debits the
// ledger by the full pre-split profit, opens a new payout cycle and marks
// the payout completed. Any failure rolls back all three.
func (s *Service) Complete(ctx context.Context, payoutID, txHash string) (*model.Payout, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, ErrMissingReference
	}
	var debit ledger.Mutation
	out, err := s.transition(ctx, payoutID, model.PayoutCompleted, []model.PayoutStatus{model.PayoutProcessing},
		func(ctx context.Context, tx store.Tx, p *model.Payout, now time.Time) error {
			amount := p.CappedProfit
			if check := ledgerDebit(p.Amount, p.ProfitSplit, amount); !money.WithinEpsilon(check, amount) {
				metrics.LedgerAnomalies.WithLabelValues("payout_debit_mismatch").Inc()
				s.log.Warn("payout amount does not reconcile with capped profit",
					"payout", p.ID,
					"amount", p.Amount.String(),
					"split", p.ProfitSplit.String(),
					"reconstructed", check.String(),
					"capped", amount.String(),
				)
			}
			m, err := s.ledger.Deduct(ctx, tx, p.AccountID, amount, "payout")
			if err != nil {
				return err
			}
			if err := tx.OpenPayoutCycle(ctx, p.AccountID, amount, now); err != nil {
				return err
			}
			debit = m
			p.TransactionHash = txHash
			p.CompletedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.ledger.Announce(ctx, debit)
	return out, nil
}

// Fail terminates a payout that has not completed. The ledger is untouched.
func (s *Service) Fail(ctx context.Context, payoutID, reason string) (*model.Payout, error) {
	return s.transition(ctx, payoutID, model.PayoutFailed,
		[]model.PayoutStatus{model.PayoutPending, model.PayoutApproved, model.PayoutProcessing},
		func(_ context.Context, _ store.Tx, p *model.Payout, now time.Time) error {
			p.FailureReason = reason
			p.FailedAt = now
			return nil
		})
}

// List returns an account's payouts, oldest first.
func (s *Service) List(ctx context.Context, accountID string) ([]model.Payout, error) {
	return s.store.ListPayouts(ctx, accountID)
}

// Get returns one payout.
func (s *Service) Get(ctx context.Context, payoutID string) (*model.Payout, error) {
	return s.store.GetPayout(ctx, payoutID)
}

type mutateFunc func(ctx context.Context, tx store.Tx, p *model.Payout, now time.Time) error

func (s *Service) transition(ctx context.Context, payoutID string, to model.PayoutStatus, from []model.PayoutStatus, mutate mutateFunc) (*model.Payout, error) {
	now := s.clock.Now()
	var out *model.Payout
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if !allowed(p.Status, from) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, p.Status, to)
		}
		prev := p.Status
		if err := mutate(ctx, tx, p, now); err != nil {
			return err
		}
		p.Status = to
		applied, err := tx.UpdatePayout(ctx, p, prev)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, payoutID)
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.log.Error("payout transition rejected", "payout", payoutID, "to", to, "err", err)
		}
		return nil, fmt.Errorf("payout %s: %w", payoutID, err)
	}

	metrics.Payouts.WithLabelValues(string(to)).Inc()
	s.log.Info("payout transitioned", "payout", payoutID, "account", out.AccountID, "status", to)
	s.publish(ctx, eventFor(to), out, out.FailureReason)
	return out, nil
}

func allowed(s model.PayoutStatus, from []model.PayoutStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func eventFor(s model.PayoutStatus) events.Type {
	switch s {
	case model.PayoutApproved:
		return events.PayoutApproved
	case model.PayoutProcessing:
		return events.PayoutProcessing
	case model.PayoutCompleted:
		return events.PayoutCompleted
	case model.PayoutFailed:
		return events.PayoutFailed
	}
	return events.PayoutRequested
}

func (s *Service) publish(ctx context.Context, t events.Type, p *model.Payout, reason string) {
	e := events.New(t, p.AccountID, s.clock.Now()).
		With("amount", p.Amount.String()).
		With("capped_profit", p.CappedProfit.String())
	e.PayoutID = p.ID
	if reason != "" {
		e = e.WithReason(reason)
	}
	if p.TransactionHash != "" {
		e = e.With("transaction_hash", p.TransactionHash)
	}
	s.pub.Publish(ctx, e)
}
