package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/money"
	"github.com/atmx/funding-engine/internal/rules"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as text so no precision is lost through float64.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgReader
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgReader: pgReader{q: pool}}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx) // no-op after commit

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: pgtx}, tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Reads ---

type pgReader struct {
	q querier
}

const accountColumns = `id, user_id, phase, status,
	starting_balance::TEXT, current_balance::TEXT, high_water_mark::TEXT,
	start_of_day_balance::TEXT, start_of_day_at,
	active_trading_days, consistency_flagged, last_activity_at, payout_cycle_start,
	total_paid_out::TEXT, failure_reason, rules_config, created_at, ends_at, passed_at`

func (r pgReader) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row, id)
}

func (r pgReader) ListAccounts(ctx context.Context, f AccountFilter) ([]model.Account, error) {
	var phases, statuses []string
	for _, p := range f.Phases {
		phases = append(phases, string(p))
	}
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}

	rows, err := r.q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE ($1::TEXT[] IS NULL OR phase = ANY($1))
		   AND ($2::TEXT[] IS NULL OR status = ANY($2))
		 ORDER BY id`, phases, statuses)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

const positionColumns = `id, account_id, market_id, direction,
	shares::TEXT, entry_price::TEXT, current_price::TEXT, status, pnl::TEXT, opened_at, closed_at`

func (r pgReader) ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND status = 'OPEN' ORDER BY opened_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r pgReader) ListClosedPositions(ctx context.Context, accountID string, since time.Time) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND status = 'CLOSED' AND closed_at >= $2 ORDER BY closed_at, id`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r pgReader) ListTrades(ctx context.Context, accountID string, since time.Time) ([]model.Trade, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, account_id, position_id, market_id, side, direction,
		        shares::TEXT, price::TEXT, realized_pnl::TEXT, executed_at
		 FROM trades WHERE account_id = $1 AND executed_at >= $2 ORDER BY executed_at, id`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, dir, sharesS, priceS, pnlS string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PositionID, &t.MarketID, &side, &dir,
			&sharesS, &priceS, &pnlS, &t.ExecutedAt); err != nil {
			return nil, err
		}
		var n numeric
		t.Side = model.TradeSide(side)
		t.Direction = model.Direction(dir)
		t.Shares = n.parse("shares", sharesS)
		t.Price = n.parse("price", priceS)
		t.RealizedPnL = n.parse("realized_pnl", pnlS)
		if n.err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, n.err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

const payoutColumns = `id, account_id, user_id, status,
	amount::TEXT, gross_profit::TEXT, excluded_pnl::TEXT, adjusted_profit::TEXT,
	capped_profit::TEXT, firm_share::TEXT, profit_split::TEXT,
	approved_by, failure_reason, transaction_hash,
	requested_at, approved_at, processing_at, completed_at, failed_at`

func (r pgReader) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	row := r.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	return scanPayout(row, id)
}

func (r pgReader) ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE account_id = $1 ORDER BY requested_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows, "")
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func (r pgReader) GetMarkets(ctx context.Context, ids []string) (map[string]model.Market, error) {
	out := make(map[string]model.Market, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT id, price_yes::TEXT, status, outcome, updated_at FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Market
		var priceS string
		if err := rows.Scan(&m.ID, &priceS, &m.Status, &m.Outcome, &m.UpdatedAt); err != nil {
			return nil, err
		}
		var n numeric
		m.PriceYes = n.parse("price_yes", priceS)
		if n.err != nil {
			return nil, fmt.Errorf("market %s: %w", m.ID, n.err)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row, id)
}

func (t *pgTx) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return t.execOne(ctx, "set balance",
		`UPDATE accounts SET current_balance = $2::NUMERIC WHERE id = $1`, accountID, balance.String())
}

func (t *pgTx) AppendBalanceLog(ctx context.Context, e *model.BalanceLogEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balance_audit_log (id, account_id, operation, source, before, after, delta, anomaly, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		e.ID, e.AccountID, e.Operation, e.Source,
		e.Before.String(), e.After.String(), e.Delta.String(), e.Anomaly, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append balance log: %w", err)
	}
	return nil
}

func (t *pgTx) SetHighWaterMark(ctx context.Context, accountID string, hwm decimal.Decimal) error {
	return t.execOne(ctx, "set high water mark",
		`UPDATE accounts SET high_water_mark = $2::NUMERIC WHERE id = $1`, accountID, hwm.String())
}

func (t *pgTx) SetStartOfDay(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	return t.execOne(ctx, "set start of day",
		`UPDATE accounts SET start_of_day_balance = $2::NUMERIC, start_of_day_at = $3 WHERE id = $1`,
		accountID, balance.String(), at)
}

func (t *pgTx) TransitionStatus(ctx context.Context, accountID string, from, to model.Status, reason string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET status = $3,
		     failure_reason = CASE WHEN $3 = 'failed' THEN $4 ELSE failure_reason END
		 WHERE id = $1 AND status = $2`,
		accountID, string(from), string(to), reason)
	if err != nil {
		return false, fmt.Errorf("transition %s → %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) PromoteToFunded(ctx context.Context, accountID string, startingBalance decimal.Decimal, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET phase = 'funded', status = 'active',
		     high_water_mark = $2::NUMERIC, start_of_day_balance = $2::NUMERIC, start_of_day_at = $3,
		     active_trading_days = 0, consistency_flagged = false, last_activity_at = NULL,
		     payout_cycle_start = $3, passed_at = $3, ends_at = NULL
		 WHERE id = $1 AND phase = 'evaluation' AND status = 'active'`,
		accountID, startingBalance.String(), at)
	if err != nil {
		return false, fmt.Errorf("promote: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) RecordActivity(ctx context.Context, accountID string, newDay bool, at time.Time) error {
	return t.execOne(ctx, "record activity",
		`UPDATE accounts
		 SET active_trading_days = active_trading_days + CASE WHEN $2 THEN 1 ELSE 0 END,
		     last_activity_at = $3
		 WHERE id = $1`, accountID, newDay, at)
}

func (t *pgTx) SetConsistencyFlag(ctx context.Context, accountID string, flagged bool) error {
	return t.execOne(ctx, "set consistency flag",
		`UPDATE accounts SET consistency_flagged = $2 WHERE id = $1`, accountID, flagged)
}

func (t *pgTx) OpenPayoutCycle(ctx context.Context, accountID string, paid decimal.Decimal, at time.Time) error {
	return t.execOne(ctx, "open payout cycle",
		`UPDATE accounts
		 SET total_paid_out = total_paid_out + $2::NUMERIC,
		     active_trading_days = 0, consistency_flagged = false, last_activity_at = NULL,
		     payout_cycle_start = $3
		 WHERE id = $1`, accountID, paid.String(), at)
}

func (t *pgTx) ClosePosition(ctx context.Context, positionID string, price, pnl decimal.Decimal, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET status = 'CLOSED', current_price = $2::NUMERIC, pnl = $3::NUMERIC, closed_at = $4
		 WHERE id = $1 AND status = 'OPEN'`,
		positionID, price.String(), pnl.String(), at)
	if err != nil {
		return false, fmt.Errorf("close position %s: %w", positionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertPayout(ctx context.Context, p *model.Payout) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payouts (id, account_id, user_id, status, amount, gross_profit, excluded_pnl,
		                      adjusted_profit, capped_profit, firm_share, profit_split, requested_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12)`,
		p.ID, p.AccountID, p.UserID, string(p.Status),
		p.Amount.String(), p.GrossProfit.String(), p.ExcludedPnL.String(),
		p.AdjustedProfit.String(), p.CappedProfit.String(), p.FirmShare.String(),
		p.ProfitSplit.String(), p.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (t *pgTx) LockPayout(ctx context.Context, id string) (*model.Payout, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
	return scanPayout(row, id)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *model.Payout, from model.PayoutStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payouts
		 SET status = $3, approved_by = $4, failure_reason = $5, transaction_hash = $6,
		     approved_at = $7, processing_at = $8, completed_at = $9, failed_at = $10
		 WHERE id = $1 AND status = $2`,
		p.ID, string(from), string(p.Status), p.ApprovedBy, p.FailureReason, p.TransactionHash,
		nullTime(p.ApprovedAt), nullTime(p.ProcessingAt), nullTime(p.CompletedAt), nullTime(p.FailedAt))
	if err != nil {
		return false, fmt.Errorf("update payout %s: %w", p.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// --- Scanning helpers ---

// numeric accumulates the first NUMERIC parse failure of a row so a corrupt
// value fails the read instead of becoming zero.
type numeric struct {
	err error
}

func (n *numeric) parse(field, raw string) decimal.Decimal {
	if n.err != nil {
		return decimal.Zero
	}
	d, err := money.MustParse(field, raw)
	if err != nil {
		n.err = fmt.Errorf("store: %w", err)
	}
	return d
}

func scanAccount(row pgx.Row, id string) (*model.Account, error) {
	var a model.Account
	var phase, status string
	var startS, curS, hwmS, sodS, paidS string
	var lastActivity, cycleStart, endsAt, passedAt *time.Time
	var rulesJSON []byte

	err := row.Scan(&a.ID, &a.UserID, &phase, &status,
		&startS, &curS, &hwmS, &sodS, &a.StartOfDayAt,
		&a.ActiveTradingDays, &a.ConsistencyFlagged, &lastActivity, &cycleStart,
		&paidS, &a.FailureReason, &rulesJSON, &a.CreatedAt, &endsAt, &passedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan account %s: %w", id, err)
	}

	var n numeric
	a.Phase = model.Phase(phase)
	a.Status = model.Status(status)
	a.StartingBalance = n.parse("starting_balance", startS)
	a.CurrentBalance = n.parse("current_balance", curS)
	a.HighWaterMark = n.parse("high_water_mark", hwmS)
	// An unreadable snapshot falls back to the starting balance until the
	// next daily reset rewrites it.
	a.StartOfDayBalance = money.ParseOr(nil, "start_of_day_balance", sodS, a.StartingBalance)
	a.TotalPaidOut = n.parse("total_paid_out", paidS)
	if n.err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, n.err)
	}
	a.LastActivityAt = derefTime(lastActivity)
	a.PayoutCycleStart = derefTime(cycleStart)
	a.EndsAt = derefTime(endsAt)
	a.PassedAt = derefTime(passedAt)

	r, err := rules.NormalizeJSON(rulesJSON)
	if err != nil {
		return nil, fmt.Errorf("account %s rules_config: %w", a.ID, err)
	}
	a.Rules = r
	return &a, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var dir, status, sharesS, entryS, curS, pnlS string
		var closedAt *time.Time
		if err := rows.Scan(&p.ID, &p.AccountID, &p.MarketID, &dir,
			&sharesS, &entryS, &curS, &status, &pnlS, &p.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		var n numeric
		p.Direction = model.Direction(dir)
		p.Status = model.PositionStatus(status)
		p.Shares = n.parse("shares", sharesS)
		p.EntryPrice = n.parse("entry_price", entryS)
		p.CurrentPrice = n.parse("current_price", curS)
		p.PnL = n.parse("pnl", pnlS)
		if n.err != nil {
			return nil, fmt.Errorf("position %s: %w", p.ID, n.err)
		}
		p.ClosedAt = derefTime(closedAt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPayout(row pgx.Row, id string) (*model.Payout, error) {
	var p model.Payout
	var status string
	var amountS, grossS, exclS, adjS, capS, firmS, splitS string
	var approvedAt, processingAt, completedAt, failedAt *time.Time

	err := row.Scan(&p.ID, &p.AccountID, &p.UserID, &status,
		&amountS, &grossS, &exclS, &adjS, &capS, &firmS, &splitS,
		&p.ApprovedBy, &p.FailureReason, &p.TransactionHash,
		&p.RequestedAt, &approvedAt, &processingAt, &completedAt, &failedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan payout %s: %w", id, err)
	}

	var n numeric
	p.Status = model.PayoutStatus(status)
	p.Amount = n.parse("amount", amountS)
	p.GrossProfit = n.parse("gross_profit", grossS)
	p.ExcludedPnL = n.parse("excluded_pnl", exclS)
	p.AdjustedProfit = n.parse("adjusted_profit", adjS)
	p.CappedProfit = n.parse("capped_profit", capS)
	p.FirmShare = n.parse("firm_share", firmS)
	p.ProfitSplit = n.parse("profit_split", splitS)
	if n.err != nil {
		return nil, fmt.Errorf("payout %s: %w", p.ID, n.err)
	}
	p.ApprovedAt = derefTime(approvedAt)
	p.ProcessingAt = derefTime(processingAt)
	p.CompletedAt = derefTime(completedAt)
	p.FailedAt = derefTime(failedAt)
	return &p, nil
}

// CreateAccount inserts a new evaluation account (used by the onboarding
// integration and the dev seed path).
func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	rulesJSON, err := json.Marshal(a.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, phase, status, starting_balance, current_balance,
		                       high_water_mark, start_of_day_balance, start_of_day_at,
		                       rules_config, created_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		a.ID, a.UserID, string(a.Phase), string(a.Status),
		a.StartingBalance.String(), a.CurrentBalance.String(),
		a.HighWaterMark.String(), a.StartOfDayBalance.String(), a.StartOfDayAt,
		rulesJSON, a.CreatedAt, nullTime(a.EndsAt))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
