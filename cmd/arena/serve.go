package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/psychophant/arena/internal/config"
	"github.com/psychophant/arena/internal/db"
	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/gateway"
	"github.com/psychophant/arena/internal/ledger"
	"github.com/psychophant/arena/internal/notify"
	"github.com/psychophant/arena/internal/orchestrator"
	"github.com/psychophant/arena/internal/provider"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and turn workers",
		Long:  "Starts the full Arena node: the HTTP gateway, the configured number of turn workers, and the maintenance schedule, all sharing one in-process event stream. SSE clients receive events from turns run by this process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Arena config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()
	q := queue.New(gormDB, queue.Options{
		MaxAttempts: cfg.Orchestration.MaxAttempts,
		BackoffBase: cfg.Orchestration.BackoffBase(),
	})
	sessions := session.NewStore(gormDB, cfg.Orchestration.SessionTTL())
	l := ledger.New(gormDB, broadcaster, cfg.Credits.DailyFreeCents, cfg.Credits.CacheTTL())
	notifier, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return err
	}
	prov := provider.NewClient(cfg.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	group, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Orchestration.Workers; i++ {
		worker, err := orchestrator.NewWorker(gormDB, q, sessions, l, prov, broadcaster, notifier,
			orchestrator.Options{
				LockTTL:             cfg.Orchestration.LockTTL(),
				TurnTimeout:         cfg.Provider.Timeout(),
				PollInterval:        cfg.Orchestration.PollInterval(),
				MinimumBalanceCents: cfg.Credits.MinimumBalanceCents,
			})
		if err != nil {
			return err
		}
		group.Go(func() error { return worker.Run(ctx, out) })
	}

	maintenance, err := startMaintenance(ctx, out, gormDB, q, sessions, l)
	if err != nil {
		return err
	}
	defer maintenance.Stop()

	group.Go(func() error {
		return gateway.Start(ctx, gateway.StartOpts{
			DB:                  gormDB,
			Queue:               q,
			Sessions:            sessions,
			Ledger:              l,
			Broadcaster:         broadcaster,
			Addr:                cfg.Server.Addr,
			LockTTL:             cfg.Orchestration.LockTTL(),
			Out:                 out,
			MinimumBalanceCents: cfg.Credits.MinimumBalanceCents,
		})
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
