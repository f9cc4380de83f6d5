package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a copy of
// the state that replaces the live state only on commit, so a failed
// transaction leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	accounts   map[string]*model.Account
	positions  map[string]*model.Position
	posOrder   []string
	trades     []model.Trade
	payouts    map[string]*model.Payout
	payOrder   []string
	markets    map[string]model.Market
	balanceLog []model.BalanceLogEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts:  make(map[string]*model.Account),
			positions: make(map[string]*model.Position),
			payouts:   make(map[string]*model.Payout),
			markets:   make(map[string]model.Market),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:   make(map[string]*model.Account, len(s.accounts)),
		positions:  make(map[string]*model.Position, len(s.positions)),
		posOrder:   append([]string(nil), s.posOrder...),
		trades:     append([]model.Trade(nil), s.trades...),
		payouts:    make(map[string]*model.Payout, len(s.payouts)),
		payOrder:   append([]string(nil), s.payOrder...),
		markets:    make(map[string]model.Market, len(s.markets)),
		balanceLog: append([]model.BalanceLogEntry(nil), s.balanceLog...),
	}
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, p := range s.positions {
		cp := *p
		c.positions[id] = &cp
	}
	for id, p := range s.payouts {
		cp := *p
		c.payouts[id] = &cp
	}
	for id, m := range s.markets {
		c.markets[id] = m
	}
	return c
}

// --- Seeding (tests and development) ---

// PutAccount inserts or replaces an account.
func (s *MemoryStore) PutAccount(a *model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.state.accounts[a.ID] = &cp
}

// PutPosition inserts or replaces a position.
func (s *MemoryStore) PutPosition(p *model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.positions[p.ID]; !ok {
		s.state.posOrder = append(s.state.posOrder, p.ID)
	}
	cp := *p
	s.state.positions[p.ID] = &cp
}

// PutTrade appends a trade.
func (s *MemoryStore) PutTrade(t *model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.trades = append(s.state.trades, *t)
}

// PutMarket inserts or replaces a market.
func (s *MemoryStore) PutMarket(m model.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.markets[m.ID] = m
}

// BalanceLog returns the forensic balance log of an account.
func (s *MemoryStore) BalanceLog(accountID string) []model.BalanceLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BalanceLogEntry
	for _, e := range s.state.balanceLog {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// GetPosition returns a position by ID (tests).
func (s *MemoryStore) GetPosition(id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// --- Store ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	s.state.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{memState: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetAccount(ctx, id)
}

func (s *MemoryStore) ListAccounts(ctx context.Context, f AccountFilter) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListAccounts(ctx, f)
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListOpenPositions(ctx, accountID)
}

func (s *MemoryStore) ListClosedPositions(ctx context.Context, accountID string, since time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListClosedPositions(ctx, accountID, since)
}

func (s *MemoryStore) ListTrades(ctx context.Context, accountID string, since time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListTrades(ctx, accountID, since)
}

func (s *MemoryStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetPayout(ctx, id)
}

func (s *MemoryStore) ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListPayouts(ctx, accountID)
}

func (s *MemoryStore) GetMarkets(ctx context.Context, ids []string) (map[string]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetMarkets(ctx, ids)
}

// --- Reads (caller holds the lock) ---

func (s *memState) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *memState) ListAccounts(_ context.Context, f AccountFilter) ([]model.Account, error) {
	var out []model.Account
	for _, a := range s.accounts {
		if len(f.Phases) > 0 && !containsPhase(f.Phases, a.Phase) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) ListOpenPositions(_ context.Context, accountID string) ([]model.Position, error) {
	var out []model.Position
	for _, id := range s.posOrder {
		p := s.positions[id]
		if p.AccountID == accountID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memState) ListClosedPositions(_ context.Context, accountID string, since time.Time) ([]model.Position, error) {
	var out []model.Position
	for _, id := range s.posOrder {
		p := s.positions[id]
		if p.AccountID == accountID && p.Status == model.PositionClosed && !p.ClosedAt.Before(since) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memState) ListTrades(_ context.Context, accountID string, since time.Time) ([]model.Trade, error) {
	var out []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID && !t.ExecutedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *memState) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *memState) ListPayouts(_ context.Context, accountID string) ([]model.Payout, error) {
	var out []model.Payout
	for _, id := range s.payOrder {
		if p := s.payouts[id]; p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memState) GetMarkets(_ context.Context, ids []string) (map[string]model.Market, error) {
	out := make(map[string]model.Market, len(ids))
	for _, id := range ids {
		if m, ok := s.markets[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

// --- Transaction ---

type memTx struct {
	*memState
}

func (t *memTx) account(id string) (*model.Account, error) {
	a, ok := t.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (t *memTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) SetBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	a.CurrentBalance = balance
	return nil
}

func (t *memTx) AppendBalanceLog(_ context.Context, e *model.BalanceLogEntry) error {
	t.balanceLog = append(t.balanceLog, *e)
	return nil
}

func (t *memTx) SetHighWaterMark(_ context.Context, accountID string, hwm decimal.Decimal) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	a.HighWaterMark = hwm
	return nil
}

func (t *memTx) SetStartOfDay(_ context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	a.StartOfDayBalance = balance
	a.StartOfDayAt = at
	return nil
}

func (t *memTx) TransitionStatus(_ context.Context, accountID string, from, to model.Status, reason string) (bool, error) {
	a, err := t.account(accountID)
	if err != nil {
		return false, err
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	if to == model.StatusFailed {
		a.FailureReason = reason
	}
	return true, nil
}

func (t *memTx) PromoteToFunded(_ context.Context, accountID string, startingBalance decimal.Decimal, at time.Time) (bool, error) {
	a, err := t.account(accountID)
	if err != nil {
		return false, err
	}
	if a.Phase != model.PhaseEvaluation || a.Status != model.StatusActive {
		return false, nil
	}
	a.Phase = model.PhaseFunded
	a.Status = model.StatusActive
	a.HighWaterMark = startingBalance
	a.StartOfDayBalance = startingBalance
	a.StartOfDayAt = at
	a.ActiveTradingDays = 0
	a.ConsistencyFlagged = false
	a.LastActivityAt = time.Time{}
	a.PayoutCycleStart = at
	a.PassedAt = at
	a.EndsAt = time.Time{}
	return true, nil
}

func (t *memTx) RecordActivity(_ context.Context, accountID string, newDay bool, at time.Time) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	if newDay {
		a.ActiveTradingDays++
	}
	a.LastActivityAt = at
	return nil
}

func (t *memTx) SetConsistencyFlag(_ context.Context, accountID string, flagged bool) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	a.ConsistencyFlagged = flagged
	return nil
}

func (t *memTx) OpenPayoutCycle(_ context.Context, accountID string, paid decimal.Decimal, at time.Time) error {
	a, err := t.account(accountID)
	if err != nil {
		return err
	}
	a.TotalPaidOut = a.TotalPaidOut.Add(paid)
	a.ActiveTradingDays = 0
	a.ConsistencyFlagged = false
	a.LastActivityAt = time.Time{}
	a.PayoutCycleStart = at
	return nil
}

func (t *memTx) ClosePosition(_ context.Context, positionID string, price, pnl decimal.Decimal, at time.Time) (bool, error) {
	p, ok := t.positions[positionID]
	if !ok {
		return false, fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	if p.Status != model.PositionOpen {
		return false, nil
	}
	p.Status = model.PositionClosed
	p.CurrentPrice = price
	p.PnL = pnl
	p.ClosedAt = at
	return true, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *model.Payout) error {
	if _, exists := t.payouts[p.ID]; exists {
		return fmt.Errorf("payout %s already exists", p.ID)
	}
	cp := *p
	t.payouts[p.ID] = &cp
	t.payOrder = append(t.payOrder, p.ID)
	return nil
}

func (t *memTx) LockPayout(ctx context.Context, id string) (*model.Payout, error) {
	return t.GetPayout(ctx, id)
}

func (t *memTx) UpdatePayout(_ context.Context, p *model.Payout, from model.PayoutStatus) (bool, error) {
	cur, ok := t.payouts[p.ID]
	if !ok {
		return false, fmt.Errorf("payout %s: %w", p.ID, ErrNotFound)
	}
	if cur.Status != from {
		return false, nil
	}
	cp := *p
	t.payouts[p.ID] = &cp
	return true, nil
}

func containsPhase(list []model.Phase, p model.Phase) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func containsStatus(list []model.Status, s model.Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
