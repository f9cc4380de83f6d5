package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/metrics"
)

// DefaultKey is the lease key guarding the risk sweep.
const DefaultKey = "funding:risk-monitor:leader"

// Config configures an Elector.
type Config struct {
	Key           string
	ID            string
	TTL           time.Duration
	RenewInterval time.Duration
	Clock         clock.Clock
	Log           *slog.Logger
	// OnLost is called once each time held leadership is lost to another
	// owner or to expiry. It must not block.
	OnLost func()
}

// Elector acquires and keeps the lease for one instance identity.
type Elector struct {
	lock   Lock
	cfg    Config
	mu     sync.Mutex
	leader bool
	stop   chan struct{}
	done   chan struct{}
}

// NewElector creates an elector over lock.
func NewElector(lock Lock, cfg Config) *Elector {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Elector{lock: lock, cfg: cfg}
}

// ID returns this instance's identity.
func (e *Elector) ID() string { return e.cfg.ID }

// IsLeader reports whether this instance currently believes it holds the
// lease.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// TryBecomeLeader takes the lease if it is free and starts the renewal
// loop. It returns true when this instance is leader afterwards.
func (e *Elector) TryBecomeLeader(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader {
		return true, nil
	}

	ok, err := e.lock.Acquire(ctx, e.cfg.Key, e.cfg.ID, e.cfg.TTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	e.leader = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	metrics.Leader.WithLabelValues(e.cfg.ID).Set(1)
	e.cfg.Log.Info("acquired leadership", "instance", e.cfg.ID, "key", e.cfg.Key, "ttl", e.cfg.TTL)

	go e.renew(e.cfg.Clock.NewTicker(e.cfg.RenewInterval), e.stop, e.done)
	return true, nil
}

func (e *Elector) renew(ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	lastRenewed := e.cfg.Clock.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RenewInterval)
		ok, err := e.lock.Renew(ctx, e.cfg.Key, e.cfg.ID, e.cfg.TTL)
		cancel()

		switch {
		case err != nil:
			// The lease may still be ours; give up only once it must have
			// expired.
			e.cfg.Log.Warn("leadership renewal failed", "instance", e.cfg.ID, "err", err)
			if e.cfg.Clock.Now().Sub(lastRenewed) < e.cfg.TTL {
				continue
			}
		case ok:
			lastRenewed = e.cfg.Clock.Now()
			continue
		}

		if e.lose(stop) {
			e.cfg.Log.Warn("leadership lost", "instance", e.cfg.ID, "key", e.cfg.Key)
			if e.cfg.OnLost != nil {
				e.cfg.OnLost()
			}
		}
		return
	}
}

// lose clears leadership unless a concurrent Release already stopped this
// loop.
func (e *Elector) lose(stop <-chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-stop:
		return false
	default:
	}
	e.leader = false
	metrics.Leader.WithLabelValues(e.cfg.ID).Set(0)
	return true
}

// Release stops renewing and gives up the lease if this instance still
// holds it. Safe to call when not leader.
func (e *Elector) Release(ctx context.Context) error {
	e.mu.Lock()
	stop, done := e.stop, e.done
	wasLeader := e.leader
	e.leader = false
	e.stop, e.done = nil, nil
	if stop != nil {
		close(stop)
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	if !wasLeader {
		return nil
	}
	metrics.Leader.WithLabelValues(e.cfg.ID).Set(0)
	released, err := e.lock.Release(ctx, e.cfg.Key, e.cfg.ID)
	if err != nil {
		return err
	}
	e.cfg.Log.Info("released leadership", "instance", e.cfg.ID, "released", released)
	return nil
}
