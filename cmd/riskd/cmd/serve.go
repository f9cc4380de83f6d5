package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/funding-engine/internal/config"
	"github.com/atmx/funding-engine/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled risk jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	go a.hub.Run(ctx)

	// --- Scheduled jobs ---
	sched := scheduler.New(a.clock, log)
	jobs := []scheduler.Job{
		{
			Name:     "risk-sweep",
			Interval: cfg.SweepInterval,
			Gate:     a.leaderGate,
			Run: func(ctx context.Context) error {
				_, err := a.monitor.Sweep(ctx)
				return err
			},
		},
		{
			Name:      "daily-reset",
			Interval:  cfg.ResetCheckInterval,
			Gate:      a.leaderGate,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.monitor.ResetDaily(ctx)
				return err
			},
		},
		{
			Name:     "inactivity",
			Interval: cfg.InactivityInterval,
			Gate:     a.leaderGate,
			Run: func(ctx context.Context) error {
				_, err := a.tracker.CheckInactivity(ctx)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.api().Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("riskd listening", "port", cfg.Port, "instance", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Error("server error", "err", err)
	}

	// Graceful shutdown.
	log.Info("shutting down riskd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error("shutdown error", "err", serr)
	}
	sched.Stop()
	if rerr := a.elector.Release(shutdownCtx); rerr != nil {
		log.Warn("leader release failed", "err", rerr)
	}
	log.Info("riskd stopped")
	return err
}
