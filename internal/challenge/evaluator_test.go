package challenge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/store"
)

type testEnv struct {
	store *store.MemoryStore
	feed  *pricing.StaticFeed
	clock *clock.Manual
	rec   *events.Recorder
	eval  *Evaluator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		feed:  pricing.NewStaticFeed(nil),
		clock: clock.NewManual(now),
		rec:   &events.Recorder{},
	}
	env.eval = NewEvaluator(Deps{
		Store:  env.store,
		Ledger: ledger.New(ledger.WithClock(env.clock.Now), ledger.WithPublisher(env.rec)),
		Feed:   env.feed,
		Clock:  env.clock,
		Events: env.rec,
	})
	return env
}

func (env *testEnv) put(a model.Account) {
	env.store.PutAccount(&a)
}

func (env *testEnv) get(t *testing.T, id string) *model.Account {
	t.Helper()
	a, err := env.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (env *testEnv) setBalance(t *testing.T, id string, bal float64) {
	t.Helper()
	a := env.get(t, id)
	a.CurrentBalance = d(bal)
	env.store.PutAccount(a)
}

func openPosition(id, market string, dir model.Direction, shares, entry float64) *model.Position {
	return &model.Position{
		ID: id, AccountID: "a1", MarketID: market, Direction: dir,
		Shares: d(shares), EntryPrice: d(entry), Status: model.PositionOpen, OpenedAt: now.Add(-time.Hour),
	}
}

func TestEvaluate_FundedDrawdownFailsAndClosesPositions(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseFunded, model.StatusActive)
	a.CurrentBalance = d(8850)
	a.StartOfDayBalance = d(9000)
	env.put(a)
	env.store.PutPosition(openPosition("p1", "m1", model.DirectionYes, 100, 0.40))
	env.feed.Set("m1", d(0.50))

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, ReasonDrawdown, res.Reason)
	assert.True(t, res.Equity.Equal(d(8900)))
	assert.Equal(t, 1, res.Closed)

	stored := env.get(t, "a1")
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, ReasonDrawdown, stored.FailureReason)
	assert.True(t, stored.CurrentBalance.Equal(d(8900)), "closure preserves equity")

	p, err := env.store.GetPosition("p1")
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, p.Status)
	assert.True(t, p.PnL.Equal(d(10)))

	assert.Len(t, env.rec.OfType(events.AccountFailed), 1)
}

func TestEvaluate_AnnouncesLargeForceCloseCredit(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseFunded, model.StatusActive)
	a.CurrentBalance = d(2000)
	env.put(a)
	env.store.PutPosition(openPosition("p1", "m1", model.DirectionYes, 100000, 0.08))
	env.feed.Set("m1", d(0.07))

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Closed)

	anomalies := env.rec.OfType(events.LedgerAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, ledger.AnomalyLargeDelta, anomalies[0].Reason)
	assert.Equal(t, "force_close", anomalies[0].Data["source"])
	assert.True(t, env.get(t, "a1").CurrentBalance.Equal(d(9000)))
}

func TestEvaluate_DailyLossPendingThenRecovered(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseEvaluation, model.StatusActive)
	a.CurrentBalance = d(9400)
	env.put(a)
	ctx := context.Background()

	res, err := env.eval.Evaluate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingFailure, res.Status)

	env.setBalance(t, "a1", 9800)
	res, err = env.eval.Evaluate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
	assert.True(t, res.Transitioned)

	assert.Len(t, env.rec.OfType(events.AccountPendingFailure), 1)
	assert.Len(t, env.rec.OfType(events.AccountRecovered), 1)
}

func TestEvaluate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseEvaluation, model.StatusActive)
	a.CurrentBalance = d(9400)
	env.put(a)
	ctx := context.Background()

	first, err := env.eval.Evaluate(ctx, "a1")
	require.NoError(t, err)
	second, err := env.eval.Evaluate(ctx, "a1")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.False(t, second.Transitioned)
	assert.Len(t, env.rec.Events(), 1)
}

func TestEvaluate_MissingPriceDoesNotFalseBreach(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseFunded, model.StatusActive)
	a.CurrentBalance = d(9000)
	a.StartOfDayBalance = d(9500)
	env.put(a)
	env.store.PutPosition(openPosition("p1", "m-gone", model.DirectionYes, 1000, 0.50))

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
	assert.True(t, res.Equity.Equal(d(9500)))
	assert.Equal(t, 1, res.Fallbacks)
}

func TestEvaluate_UnknownAccountIsActive(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.eval.Evaluate(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
}

func TestEvaluate_TerminalIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseFunded, model.StatusFailed)
	a.CurrentBalance = d(100)
	a.FailureReason = ReasonDrawdown
	env.put(a)

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.False(t, res.Transitioned)
	assert.Empty(t, env.rec.Events())
}

func seedSells(env *testEnv, n int, pnl float64) {
	for i := 0; i < n; i++ {
		env.store.PutTrade(&model.Trade{
			ID: "t" + string(rune('a'+i)), AccountID: "a1", Side: model.SideSell,
			RealizedPnL: d(pnl), ExecutedAt: now.Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

func TestEvaluate_PromotesToFunded(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseEvaluation, model.StatusActive)
	a.CurrentBalance = d(10950)
	a.EndsAt = now.Add(10 * 24 * time.Hour)
	env.put(a)
	env.store.PutPosition(openPosition("p1", "m1", model.DirectionNo, 100, 0.60))
	env.feed.Set("m1", d(0.50)) // NO worth 0.50: value 50, unrealized -10
	seedSells(env, 5, 202)

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	require.Empty(t, res.Blocked)
	assert.Equal(t, model.StatusPassed, res.Status)
	assert.Equal(t, model.PhaseFunded, res.Phase)
	assert.Equal(t, 1, res.Closed)

	stored := env.get(t, "a1")
	assert.Equal(t, model.PhaseFunded, stored.Phase)
	assert.Equal(t, model.StatusActive, stored.Status)
	assert.True(t, stored.CurrentBalance.Equal(d(10000)))
	assert.True(t, stored.HighWaterMark.Equal(d(10000)))
	assert.True(t, stored.StartOfDayBalance.Equal(d(10000)))
	assert.Equal(t, now, stored.PayoutCycleStart)
	assert.True(t, stored.EndsAt.IsZero())

	open, _ := env.store.ListOpenPositions(context.Background(), "a1")
	assert.Empty(t, open)

	logs := env.store.BalanceLog("a1")
	require.Len(t, logs, 2)
	assert.Equal(t, ledger.OpCredit, logs[0].Operation)
	assert.Equal(t, ledger.OpReset, logs[1].Operation)
	assert.Len(t, env.rec.OfType(events.AccountPromoted), 1)
}

func TestEvaluate_PromotionBlockedBySanityGate(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseEvaluation, model.StatusActive)
	a.CurrentBalance = d(11000)
	a.CreatedAt = now.Add(-3 * time.Hour)
	env.put(a)
	seedSells(env, 2, 500)

	res, err := env.eval.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
	assert.Len(t, res.Blocked, 2)

	stored := env.get(t, "a1")
	assert.Equal(t, model.PhaseEvaluation, stored.Phase)
	assert.True(t, stored.CurrentBalance.Equal(d(11000)))
	assert.True(t, stored.HighWaterMark.Equal(d(11000)))
	assert.Len(t, env.rec.OfType(events.AccountPromotionBlocked), 1)
}

func TestEvaluate_ConcurrentBreachAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	a := account(model.PhaseFunded, model.StatusActive)
	a.CurrentBalance = d(8900)
	env.put(a)

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.eval.EvaluateWithQuotes(context.Background(), "a1", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	transitions := 0
	for _, r := range results {
		assert.Equal(t, model.StatusFailed, r.Status)
		if r.Transitioned {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
	assert.Len(t, env.rec.OfType(events.AccountFailed), 1)
}
