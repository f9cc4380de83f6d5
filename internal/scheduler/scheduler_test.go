package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func counterJob(name string, interval time.Duration, n *atomic.Int32) Job {
	return Job{
		Name:     name,
		Interval: interval,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}
}

func TestScheduler_RunsOnTick(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := New(clk, nil)
	var n atomic.Int32
	require.NoError(t, s.Add(counterJob("sweep", 30*time.Second, &n)))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clk.Advance(29 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_Immediate(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := New(clk, nil)
	var n atomic.Int32
	j := counterJob("reset", time.Minute, &n)
	j.Immediate = true
	require.NoError(t, s.Add(j))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_GateSkips(t *testing.T) {
	s := New(clock.NewManual(epoch), nil)
	var n atomic.Int32
	var open atomic.Bool
	j := counterJob("sweep", time.Second, &n)
	j.Gate = func(context.Context) bool { return open.Load() }
	require.NoError(t, s.Add(j))

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.Equal(t, int32(0), n.Load())

	open.Store(true)
	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.Equal(t, int32(1), n.Load())
}

func TestScheduler_PanicRecovered(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := New(clk, nil)
	var n atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:     "flaky",
		Interval: time.Second,
		Run: func(context.Context) error {
			if n.Add(1) == 1 {
				panic("boom")
			}
			return nil
		},
	}))

	err := s.RunNow(context.Background(), "flaky")
	assert.True(t, errors.Is(err, errJobPanicked))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)
}

func TestScheduler_StopWaitsAndRestarts(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := New(clk, nil)
	var n atomic.Int32
	require.NoError(t, s.Add(counterJob("job", time.Second, &n)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
	s.Stop()
	s.Stop()

	assert.Equal(t, 0, clk.Tickers(), "tickers released on stop")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_Validation(t *testing.T) {
	s := New(nil, nil)
	assert.ErrorIs(t, s.Add(Job{Name: "x"}), ErrInvalidJob)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
}
