// Package store defines the persistence interface for the funding engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
//
// Every balance, status, or position mutation happens inside WithTx. The
// transaction re-reads the account under a row lock (LockAccount); nothing
// read before the transaction began may be trusted inside it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// AccountFilter narrows ListAccounts. Empty fields match everything.
type AccountFilter struct {
	Phases   []model.Phase
	Statuses []model.Status
}

// Reader is the read surface shared by the store and its transactions.
type Reader interface {
	// GetAccount returns an account by ID, or ErrNotFound.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns accounts matching the filter.
	ListAccounts(ctx context.Context, f AccountFilter) ([]model.Account, error)

	// ListOpenPositions returns the open positions of an account.
	ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListClosedPositions returns positions closed at or after since.
	ListClosedPositions(ctx context.Context, accountID string, since time.Time) ([]model.Position, error)

	// ListTrades returns trades executed at or after since, oldest first.
	ListTrades(ctx context.Context, accountID string, since time.Time) ([]model.Trade, error)

	// GetPayout returns a payout by ID, or ErrNotFound.
	GetPayout(ctx context.Context, id string) (*model.Payout, error)

	// ListPayouts returns every payout of an account, oldest first.
	ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error)

	// GetMarkets returns the markets with the given IDs. Unknown IDs are
	// absent from the result.
	GetMarkets(ctx context.Context, ids []string) (map[string]model.Market, error)
}

// Tx is a unit of work. Mutations that change status or phase are
// conditional: they report applied=false when the row was no longer in the
// expected state, which means a concurrent actor already won.
type Tx interface {
	Reader

	// LockAccount re-reads the account and holds a row lock until the
	// transaction ends.
	LockAccount(ctx context.Context, id string) (*model.Account, error)

	// SetBalance writes the cash balance. Only the ledger calls this.
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error

	// AppendBalanceLog persists one forensic balance log entry.
	AppendBalanceLog(ctx context.Context, entry *model.BalanceLogEntry) error

	// SetHighWaterMark raises the account's high-water mark.
	SetHighWaterMark(ctx context.Context, accountID string, hwm decimal.Decimal) error

	// SetStartOfDay stores the daily equity snapshot.
	SetStartOfDay(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error

	// TransitionStatus moves status from → to only if it is still from.
	TransitionStatus(ctx context.Context, accountID string, from, to model.Status, reason string) (bool, error)

	// PromoteToFunded moves an active evaluation account to the funded
	// phase and opens its first payout cycle. Balance is reset separately
	// through the ledger.
	PromoteToFunded(ctx context.Context, accountID string, startingBalance decimal.Decimal, at time.Time) (bool, error)

	// RecordActivity stamps lastActivityAt and, when newDay, increments
	// activeTradingDays.
	RecordActivity(ctx context.Context, accountID string, newDay bool, at time.Time) error

	// SetConsistencyFlag sets or clears the soft consistency marker.
	SetConsistencyFlag(ctx context.Context, accountID string, flagged bool) error

	// OpenPayoutCycle adds paid to totalPaidOut, resets trading days and the
	// consistency flag, and starts a new payout cycle at at.
	OpenPayoutCycle(ctx context.Context, accountID string, paid decimal.Decimal, at time.Time) error

	// ClosePosition closes an open position. applied=false means it was
	// already closed.
	ClosePosition(ctx context.Context, positionID string, price, pnl decimal.Decimal, at time.Time) (bool, error)

	// InsertPayout appends a new payout.
	InsertPayout(ctx context.Context, p *model.Payout) error

	// LockPayout re-reads a payout under a row lock.
	LockPayout(ctx context.Context, id string) (*model.Payout, error)

	// UpdatePayout writes p only if the stored status is still from.
	UpdatePayout(ctx context.Context, p *model.Payout, from model.PayoutStatus) (bool, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	Reader

	// CreateAccount inserts a new account at evaluation start.
	CreateAccount(ctx context.Context, a *model.Account) error

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise. Store-level methods must not be called from
	// inside fn; use tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
