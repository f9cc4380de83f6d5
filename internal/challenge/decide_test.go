package challenge

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/rules"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 7, 10, 15, 0, 0, 0, time.UTC)

func tier10k() rules.Rules {
	r, err := rules.Default().Lookup(rules.Tier10K)
	if err != nil {
		panic(err)
	}
	return r
}

func account(phase model.Phase, status model.Status) model.Account {
	return model.Account{
		ID:                "a1",
		UserID:            "u1",
		Phase:             phase,
		Status:            status,
		StartingBalance:   d(10000),
		CurrentBalance:    d(10000),
		HighWaterMark:     d(10000),
		StartOfDayBalance: d(10000),
		StartOfDayAt:      now.Add(-time.Hour),
		Rules:             tier10k(),
		CreatedAt:         now.Add(-72 * time.Hour),
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		acct   func() model.Account
		equity float64
		action Action
		reason string
	}{
		{
			name:   "funded static drawdown breach",
			acct:   func() model.Account { return account(model.PhaseFunded, model.StatusActive) },
			equity: 8900,
			action: Fail,
			reason: ReasonDrawdown,
		},
		{
			name: "funded drawdown boundary is inclusive",
			acct: func() model.Account {
				a := account(model.PhaseFunded, model.StatusActive)
				a.StartOfDayBalance = d(9200)
				return a
			},
			equity: 9000,
			action: Fail,
			reason: ReasonDrawdown,
		},
		{
			name: "funded just above floor holds",
			acct: func() model.Account {
				a := account(model.PhaseFunded, model.StatusActive)
				a.StartOfDayBalance = d(9200)
				return a
			},
			equity: 9000.01,
			action: Hold,
		},
		{
			name: "funded drawdown ignores high-water mark",
			acct: func() model.Account {
				a := account(model.PhaseFunded, model.StatusActive)
				a.HighWaterMark = d(15000)
				a.StartOfDayBalance = d(11000)
				return a
			},
			equity: 10600,
			action: Hold,
		},
		{
			name: "evaluation trailing drawdown from high-water mark",
			acct: func() model.Account {
				a := account(model.PhaseEvaluation, model.StatusActive)
				a.HighWaterMark = d(10800)
				a.StartOfDayBalance = d(10000)
				return a
			},
			equity: 9800,
			action: Fail,
			reason: ReasonDrawdown,
		},
		{
			name:   "daily loss marks pending",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusActive) },
			equity: 9400,
			action: MarkPending,
			reason: ReasonDailyLoss,
		},
		{
			name:   "daily loss at exact limit marks pending",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusActive) },
			equity: 9500,
			action: MarkPending,
			reason: ReasonDailyLoss,
		},
		{
			name:   "pending recovers",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusPendingFailure) },
			equity: 9800,
			action: Recover,
			reason: ReasonRecovered,
		},
		{
			name:   "pending still breached holds",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusPendingFailure) },
			equity: 9450,
			action: Hold,
		},
		{
			name: "expiry fails",
			acct: func() model.Account {
				a := account(model.PhaseEvaluation, model.StatusActive)
				a.EndsAt = now
				return a
			},
			equity: 10100,
			action: Fail,
			reason: ReasonExpired,
		},
		{
			name:   "evaluation profit target passes",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusActive) },
			equity: 11000,
			action: Pass,
			reason: ReasonProfitTarget,
		},
		{
			name:   "funded has no profit ceiling",
			acct:   func() model.Account { return account(model.PhaseFunded, model.StatusActive) },
			equity: 20000,
			action: Hold,
		},
		{
			name:   "terminal account holds",
			acct:   func() model.Account { return account(model.PhaseEvaluation, model.StatusFailed) },
			equity: 1,
			action: Hold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.acct(), d(tt.equity), now)
			assert.Equal(t, tt.action, got.Action, "action %s", got.Action)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestDecide_RaisesHighWaterMark(t *testing.T) {
	got := Decide(account(model.PhaseEvaluation, model.StatusActive), d(10400), now)
	assert.True(t, got.HighWaterMark.Equal(d(10400)))
	assert.True(t, got.Floor.Equal(d(9400)))
}

func TestDecide_Idempotent(t *testing.T) {
	a := account(model.PhaseEvaluation, model.StatusActive)
	first := Decide(a, d(10250), now)
	second := Decide(a, d(10250), now)
	assert.Equal(t, first, second)
}

func sells(n int, pnl float64) []model.Trade {
	out := make([]model.Trade, n)
	for i := range out {
		out[i] = model.Trade{Side: model.SideSell, RealizedPnL: d(pnl)}
	}
	return out
}

func TestGate(t *testing.T) {
	a := account(model.PhaseEvaluation, model.StatusActive)

	g := Gate(a, d(11000), d(0), sells(5, 200), now)
	assert.False(t, g.Blocked(), "reasons: %v", g.Reasons)

	// Equity says +1000, trades say +700: discrepancy 300 > 20% of 1000.
	g = Gate(a, d(11000), d(0), sells(5, 140), now)
	assert.True(t, g.Blocked())
	assert.Len(t, g.Reasons, 1)

	// Unrealized gains count toward trade profit.
	g = Gate(a, d(11000), d(300), sells(5, 140), now)
	assert.False(t, g.Blocked(), "reasons: %v", g.Reasons)

	young := a
	young.CreatedAt = now.Add(-2 * time.Hour)
	g = Gate(young, d(11000), d(0), append(sells(4, 250), model.Trade{Side: model.SideBuy}), now)
	assert.Len(t, g.Reasons, 2, "too young and too few sells")
}
