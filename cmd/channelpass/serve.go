package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/ChannelPass/app/controllers"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/billing"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/cache"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/router"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/sweep"
)

const readyTimeout = 3 * time.Second

func newServeCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			app := newApplication(s)

			var manager *sweep.Manager
			if s.cfg.SchedulerEnabled && !noScheduler {
				manager = sweep.NewManager(s.sweeper(), s.drainer(), s.cfg.SweepInterval, s.cfg.DrainInterval)
				manager.OnReport = s.storeReport
				manager.Start()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- app.Listen(s.cfg.Addr()) }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if manager != nil {
					manager.Stop()
				}
				return err
			case <-sig:
			}

			log.Info("[Boot] Shutting down...")
			if manager != nil {
				manager.Stop()
			}
			return app.ShutdownWithTimeout(30 * time.Second)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run sweep and drain in this process")
	return cmd
}

func newApplication(s *services) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: int(s.cfg.ProofMaxBytes) + 1<<20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	svc := billing.NewService(s.engine, s.ledger, billing.Secrets{
		Direct:  s.cfg.StripeWebhookSecret,
		Connect: s.cfg.StripeConnectWebhookSecret,
	})
	svc.Tolerance = s.cfg.WebhookTolerance

	deps := router.Deps{
		Webhooks:         controllers.NewWebhookController(svc),
		Subscribers:      controllers.NewSubscriberController(s.engine),
		Proofs:           controllers.NewProofController(s.engine, s.cfg.ProofTokenSecret),
		Ops:              controllers.NewOpsController(s.failures, loadReport),
		AdminAPIKey:      s.cfg.AdminAPIKey,
		WebhookRateLimit: s.cfg.WebhookRateLimit,
		Ready:            s.ready,
	}
	if s.cfg.RedisLimiterEnabled {
		opts := cache.Options()
		host, port := splitAddr(opts.Addr)
		deps.LimiterStorage = redisstorage.New(redisstorage.Config{
			Host:     host,
			Port:     port,
			Password: opts.Password,
			Database: s.cfg.RedisLimiterDatabase,
			Reset:    false,
		})
	}

	router.InstallRouter(app, deps)
	return app
}

// run executes one job with a deadline, for the sweep and drain commands.
func run(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx)
}
