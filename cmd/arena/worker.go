package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/psychophant/arena/internal/config"
	"github.com/psychophant/arena/internal/db"
	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/ledger"
	"github.com/psychophant/arena/internal/notify"
	"github.com/psychophant/arena/internal/orchestrator"
	"github.com/psychophant/arena/internal/provider"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
)

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start headless turn workers",
		Long:  "Starts turn workers and the maintenance schedule without the HTTP gateway. Live SSE streams attach to the serve process; turns run here are persisted but not streamed, so use this for draining backlogs or dedicated maintenance nodes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath, workers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Arena config file")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of workers (default from config)")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = cfg.Orchestration.Workers
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

	for i := 0; i < workers; i++ {
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

	if err := group.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// startMaintenance schedules the recurring housekeeping jobs: lease reaping,
// session TTL purges, and the daily free-credit reset.
func startMaintenance(ctx context.Context, out io.Writer, gormDB *gorm.DB,
	q *queue.Queue, sessions *session.Store, l *ledger.Ledger) (*cron.Cron, error) {

	c := cron.New(cron.WithLocation(time.UTC))

	if _, err := c.AddFunc("* * * * *", func() {
		if n, err := q.ReapExpiredLeases(); err != nil {
			log.Printf("maintenance: reap leases: %v", err)
		} else if n > 0 {
			log.Printf("maintenance: reaped %d expired leases", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule lease reaper: %w", err)
	}

	if _, err := c.AddFunc("0 * * * *", func() {
		if n, err := sessions.PurgeExpired(); err != nil {
			log.Printf("maintenance: purge sessions: %v", err)
		} else if n > 0 {
			log.Printf("maintenance: purged %d expired sessions", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule session purge: %w", err)
	}

	// Shortly after midnight UTC; the lazy reset in the ledger covers users
	// active before the sweep lands.
	if _, err := c.AddFunc("5 0 * * *", func() {
		if n, err := l.ResetDailyFree(); err != nil {
			log.Printf("maintenance: daily reset: %v", err)
		} else {
			log.Printf("maintenance: reset daily free credits for %d users", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule daily reset: %w", err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	fmt.Fprintln(out, "Maintenance schedule started (lease reaper, session purge, daily credit reset)")
	return c, nil
}
