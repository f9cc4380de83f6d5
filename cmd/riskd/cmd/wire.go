package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/funding-engine/internal/activity"
	"github.com/atmx/funding-engine/internal/api"
	"github.com/atmx/funding-engine/internal/challenge"
	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/config"
	"github.com/atmx/funding-engine/internal/events"
	"github.com/atmx/funding-engine/internal/exposure"
	"github.com/atmx/funding-engine/internal/leader"
	"github.com/atmx/funding-engine/internal/ledger"
	"github.com/atmx/funding-engine/internal/monitor"
	"github.com/atmx/funding-engine/internal/payout"
	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/resolution"
	"github.com/atmx/funding-engine/internal/rules"
	"github.com/atmx/funding-engine/internal/store"
)

// app is the wired process.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	clock    clock.Clock
	store    store.Store
	registry *rules.Registry
	hub      *events.Hub
	eval     *challenge.Evaluator
	tracker  *activity.Tracker
	monitor  *monitor.Monitor
	payouts  *payout.Service
	elector  *leader.Elector

	cleanup []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := cfg.Logger()
	slog.SetDefault(log)
	a := &app{cfg: cfg, log: log, clock: clock.Real()}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	clk := a.clock

	// --- Rules registry ---
	a.registry = rules.Default()
	if cfg.RulesFile != "" {
		reg, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		a.registry = reg
		log.Info("rules loaded", "file", cfg.RulesFile, "version", reg.Version())
	}

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.store = pg
		log.Info("connected to PostgreSQL")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
	}

	// --- Redis: price cache and leader lease ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		log.Info("Redis enabled")
	}

	var feed pricing.Feed = pricing.NewStoreFeed(a.store)
	if rdb != nil {
		feed = pricing.NewCachedFeed(feed, rdb, cfg.PriceCacheTTL, log)
	}

	// --- Events ---
	a.hub = events.NewHub()
	pubs := events.Multi{a.hub}
	if cfg.NATSURL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			return err
		}
		pubs = append(pubs, events.NewNATSPublisher(js, log))
		log.Info("NATS publishing enabled")
	}

	// --- Services ---
	ldg := ledger.New(ledger.WithLogger(log), ledger.WithClock(clk.Now), ledger.WithPublisher(pubs))
	a.eval = challenge.NewEvaluator(challenge.Deps{
		Store: a.store, Ledger: ldg, Feed: feed, Clock: clk, Events: pubs, Log: log,
	})
	a.tracker = activity.NewTracker(a.store, clk, pubs, log)
	a.monitor = monitor.New(a.store, a.eval, clk, pubs, log)
	a.payouts = payout.NewService(payout.Deps{
		Store:    a.store,
		Ledger:   ldg,
		Excluder: resolution.NewDetector(resolution.NewMarketOracle(a.store), feed, cfg.OracleTimeout, log),
		Clock:    clk,
		Events:   pubs,
		Log:      log,
	})

	// --- Leader election ---
	var lock leader.Lock
	if rdb != nil {
		lock = leader.NewRedisLock(rdb)
	} else {
		log.Warn("REDIS_URL not set, leader lease is process-local")
		lock = leader.NewMemoryLock(clk)
	}
	a.elector = leader.NewElector(lock, leader.Config{
		ID:            cfg.InstanceID,
		TTL:           cfg.LockTTL,
		RenewInterval: cfg.LockRenewInterval,
		Clock:         clk,
		Log:           log,
		OnLost:        a.monitor.Halt,
	})
	return nil
}

func (a *app) api() *api.Server {
	return api.New(api.Deps{
		Store:     a.store,
		Evaluator: a.eval,
		Tracker:   a.tracker,
		Limiter:   exposure.NewLimiter(),
		Payouts:   a.payouts,
		Rules:     a.registry,
		Hub:       a.hub,
		Clock:     a.clock,
		Log:       a.log,
	})
}

// leaderGate lets a job run only while this instance holds the lease.
func (a *app) leaderGate(ctx context.Context) bool {
	ok, err := a.elector.TryBecomeLeader(ctx)
	if err != nil {
		a.log.Warn("leader election failed", "instance", a.elector.ID(), "err", err)
		return false
	}
	return ok
}

// close runs cleanup in reverse order.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
