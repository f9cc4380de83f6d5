// Package monitor runs the price-driven risk sweep and the daily
// start-of-day reset over every live account.
//
// Both jobs wrap each account independently: one failing account is
// logged and counted, and the batch moves on.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/store"
)

// Report aggregates one sweep.
type Report struct {
	Checked   int           `json:"checked"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Recovered int           `json:"recovered"`
	Promoted  int           `json:"promoted"`
	Blocked   int           `json:"blocked"`
	NoOps     int           `json:"noops"`
	Fallbacks int           `json:"fallbacks"`
	Errors    int           `json:"errors"`
	Halted    bool          `json:"halted"`
	Duration  time.Duration `json:"duration"`
}

func (r *Report) add(res challenge.Result) {
	r.Fallbacks += res.Fallbacks
	switch {
	case res.NoOp:
		r.NoOps++
	case len(res.Blocked) > 0:
		r.Blocked++
	case !res.Transitioned:
	case res.Status == model.StatusFailed:
		r.Failed++
	case res.Status == model.StatusPendingFailure:
		r.Pending++
	case res.Status == model.StatusPassed:
		r.Promoted++
	case res.Status == model.StatusActive:
		r.Recovered++
	}
}

// Monitor sweeps live accounts.
type Monitor struct {
	store store.Store
	eval  *challenge.Evaluator
	clock clock.Clock
	pub   events.Publisher
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a monitor.
func New(s store.Store, eval *challenge.Evaluator, clk clock.Clock, pub events.Publisher, log *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: s, eval: eval, clock: clk, pub: events.OrDiscard(pub), log: log}
}

// Halt cancels an in-flight sweep. The leader elector calls it when the
// lease is lost so two instances never sweep at once.
func (m *Monitor) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.log.Warn("risk sweep halted")
	}
}

// Sweep re-evaluates every active and pending-failure account against live
// prices, fetched once per account.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	var rep Report
	accounts, err := m.store.ListAccounts(ctx, store.AccountFilter{
		Statuses: []model.Status{model.StatusActive, model.StatusPendingFailure},
	})
	if err != nil {
		metrics.RiskSweeps.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("risk sweep: %w", err)
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			rep.Halted = true
			break
		}
		res, err := m.checkAccount(ctx, a.ID)
		rep.Checked++
		metrics.AccountsChecked.Inc()
		if err != nil {
			rep.Errors++
			m.log.Error("risk check failed", "account", a.ID, "err", err)
			continue
		}
		rep.add(res)
	}

	rep.Duration = time.Since(start)
	metrics.RiskSweepDuration.Observe(rep.Duration.Seconds())
	result := "ok"
	switch {
	case rep.Halted:
		result = "halted"
	case rep.Errors > 0:
		result = "partial"
	}
	metrics.RiskSweeps.WithLabelValues(result).Inc()

	m.log.Info("risk sweep complete",
		"checked", rep.Checked,
		"failed", rep.Failed,
		"pending", rep.Pending,
		"recovered", rep.Recovered,
		"promoted", rep.Promoted,
		"blocked", rep.Blocked,
		"noops", rep.NoOps,
		"fallbacks", rep.Fallbacks,
		"errors", rep.Errors,
		"halted", rep.Halted,
		"took", rep.Duration,
	)
	return rep, nil
}

// checkAccount isolates one account: a panic becomes an error.
func (m *Monitor) checkAccount(ctx context.Context, accountID string) (res challenge.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("risk check %s panicked: %v", accountID, r)
		}
	}()

	positions, err := m.store.ListOpenPositions(ctx, accountID)
	if err != nil {
		return res, err
	}
	quotes := m.eval.Quotes(ctx, accountID, positions)
	return m.eval.EvaluateWithQuotes(ctx, accountID, quotes)
}
