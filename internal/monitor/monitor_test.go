package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/rules"
	"github.com/atmx/funding-engine/internal/store"
)

var now = time.Date(2026, 7, 10, 0, 5, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// flakyStore fails position reads for one account.
type flakyStore struct {
	*store.MemoryStore
	bad string
}

func (s *flakyStore) ListOpenPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	if accountID == s.bad {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.ListOpenPositions(ctx, accountID)
}

type testEnv struct {
	mem   *store.MemoryStore
	feed  *pricing.StaticFeed
	clock *clock.Manual
	rec   *events.Recorder
	mon   *Monitor
}

func newTestEnv(t *testing.T, bad string) *testEnv {
	t.Helper()
	env := &testEnv{
		mem:   store.NewMemoryStore(),
		feed:  pricing.NewStaticFeed(nil),
		clock: clock.NewManual(now),
		rec:   &events.Recorder{},
	}
	var s store.Store = env.mem
	if bad != "" {
		s = &flakyStore{MemoryStore: env.mem, bad: bad}
	}
	eval := challenge.NewEvaluator(challenge.Deps{
		Store:  s,
		Ledger: ledger.New(ledger.WithClock(env.clock.Now)),
		Feed:   env.feed,
		Clock:  env.clock,
		Events: env.rec,
	})
	env.mon = New(s, eval, env.clock, env.rec, nil)
	return env
}

func (env *testEnv) put(id string, phase model.Phase, status model.Status, balance float64) {
	r, err := rules.Default().Lookup(rules.Tier10K)
	if err != nil {
		panic(err)
	}
	env.mem.PutAccount(&model.Account{
		ID:                id,
		UserID:            "u-" + id,
		Phase:             phase,
		Status:            status,
		StartingBalance:   d(10000),
		CurrentBalance:    d(balance),
		HighWaterMark:     d(10000),
		StartOfDayBalance: d(10000),
		StartOfDayAt:      now.Add(-24 * time.Hour),
		Rules:             r,
		CreatedAt:         now.Add(-72 * time.Hour),
	})
}

func (env *testEnv) get(t *testing.T, id string) *model.Account {
	t.Helper()
	a, err := env.mem.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestSweep_EvaluatesEveryLiveAccount(t *testing.T) {
	env := newTestEnv(t, "")
	env.put("healthy", model.PhaseEvaluation, model.StatusActive, 10100)
	env.put("breached", model.PhaseFunded, model.StatusActive, 8850)
	env.put("daily", model.PhaseEvaluation, model.StatusActive, 9400)
	env.put("done", model.PhaseEvaluation, model.StatusFailed, 5000)

	rep, err := env.mon.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Checked, "terminal accounts are not swept")
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Pending)
	assert.Equal(t, 0, rep.Errors)
	assert.False(t, rep.Halted)

	assert.Equal(t, model.StatusFailed, env.get(t, "breached").Status)
	assert.Equal(t, model.StatusPendingFailure, env.get(t, "daily").Status)
	assert.Equal(t, model.StatusActive, env.get(t, "healthy").Status)

	rep, err = env.mon.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 0, rep.Failed+rep.Pending, "second sweep changes nothing")
}

func TestSweep_OneBadAccountDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t, "bad")
	env.put("bad", model.PhaseFunded, model.StatusActive, 8000)
	env.put("good", model.PhaseFunded, model.StatusActive, 8000)

	rep, err := env.mon.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, model.StatusActive, env.get(t, "bad").Status)
	assert.Equal(t, model.StatusFailed, env.get(t, "good").Status)
}

func TestSweep_CancelledContextHalts(t *testing.T) {
	env := newTestEnv(t, "")
	env.put("a1", model.PhaseFunded, model.StatusActive, 8000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := env.mon.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Halted)
	assert.Equal(t, 0, rep.Checked)
	assert.Equal(t, model.StatusActive, env.get(t, "a1").Status)

	env.mon.Halt() // no sweep in flight
}

func TestResetDaily_SnapshotsEquity(t *testing.T) {
	env := newTestEnv(t, "")
	env.put("a1", model.PhaseEvaluation, model.StatusActive, 10000)
	env.mem.PutPosition(&model.Position{
		ID: "p1", AccountID: "a1", MarketID: "m1", Direction: model.DirectionYes,
		Shares: d(100), EntryPrice: d(0.40), Status: model.PositionOpen, OpenedAt: now.Add(-time.Hour),
	})
	env.feed.Set("m1", d(0.50))

	rep, err := env.mon.ResetDaily(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Reset)

	a := env.get(t, "a1")
	assert.True(t, a.StartOfDayBalance.Equal(d(10050)), "got %s", a.StartOfDayBalance)
	assert.True(t, a.StartOfDayAt.Equal(now))

	rep, err = env.mon.ResetDaily(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked, "same-day rerun is a no-op")
}

func TestResetDaily_PendingAccounts(t *testing.T) {
	env := newTestEnv(t, "")
	env.put("stuck", model.PhaseEvaluation, model.StatusPendingFailure, 9400)
	env.put("recovered", model.PhaseEvaluation, model.StatusPendingFailure, 9700)

	rep, err := env.mon.ResetDaily(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Recovered)

	stuck := env.get(t, "stuck")
	assert.Equal(t, model.StatusFailed, stuck.Status)
	assert.Equal(t, challenge.ReasonDailyNotRecovered, stuck.FailureReason)

	rec := env.get(t, "recovered")
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.True(t, rec.StartOfDayBalance.Equal(d(9700)))

	assert.Len(t, env.rec.OfType(events.AccountFailed), 1)
	assert.Len(t, env.rec.OfType(events.AccountRecovered), 1)
}
