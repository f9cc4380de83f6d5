package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// errNotLeader is returned when a one-shot job finds the lease held elsewhere.
var errNotLeader = errors.New("another instance holds the risk monitor lease")

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one risk monitor sweep over all live accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.monitor.Sweep(ctx)
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Snapshot start-of-day equity and settle pending-failure accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.monitor.ResetDaily(ctx)
			})
		},
	}
}

func newInactivityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inactivity",
		Short: "Terminate funded accounts past the inactivity limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.tracker.CheckInactivity(ctx)
			})
		},
	}
}

// runOnce wires the app, takes the lease, runs job and prints its report.
func runOnce(cmd *cobra.Command, job func(context.Context, *app) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ok, err := a.elector.TryBecomeLeader(ctx)
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}
	if !ok {
		return errNotLeader
	}
	defer func() {
		if err := a.elector.Release(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("leader release failed", "err", err)
		}
	}()

	report, err := job(ctx, a)
	if werr := printJSON(cmd.OutOrStdout(), report); werr != nil && err == nil {
		err = werr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
