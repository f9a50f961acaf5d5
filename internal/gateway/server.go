// Package gateway is the HTTP surface for Arena: conversation control
// endpoints that enqueue orchestration jobs, SSE streams bridging the event
// broadcaster, and credit balance queries. The gateway never runs turns
// itself; everything that talks to the completion provider goes through the
// job queue.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/ledger"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
)

// StartOpts holds configuration for the gateway server.
type StartOpts struct {
	DB          *gorm.DB
	Queue       *queue.Queue
	Sessions    *session.Store
	Ledger      *ledger.Ledger
	Broadcaster *events.Broadcaster
	Addr        string
	LockTTL     time.Duration
	Out         io.Writer

	// MinimumBalanceCents gates start and resume on the credit pre-check.
	MinimumBalanceCents int
}

// minimumBalance returns the configured balance floor, defaulting to one
// cent so a zero value never waves requests through.
func (o *StartOpts) minimumBalance() int {
	if o.MinimumBalanceCents <= 0 {
		return 1
	}
	return o.MinimumBalanceCents
}

// Start launches the gateway HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("gateway: db is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &opts)

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway listening on %s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
