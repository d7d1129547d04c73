package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/cache"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/config"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/database"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/env"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/failedops"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/proofstore"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/retry"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/security"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/sweep"
)

const reportKeyPrefix = "channelpass:report:"

// services holds everything the commands share.
type services struct {
	cfg      *config.Config
	db       *gorm.DB
	redis    *redis.Client
	repos    *repository.Repositories
	failures *failedops.Queue
	audit    *audit.Recorder
	ledger   *ledger.Ledger
	effects  *lifecycle.Effector
	engine   *lifecycle.Engine
	locker   sweep.Locker
}

func bootstrap(ctx context.Context) (*services, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	database.SetupDatabase()
	cache.SetupCache()
	metrics.Register()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	sealer, err := security.NewSealer(cfg.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}

	failures := failedops.New(db)
	failures.MaxAttempts = cfg.FailedOpMaxAttempts

	s := &services{
		cfg:      cfg,
		db:       db,
		redis:    cache.GetClient(),
		repos:    repos,
		failures: failures,
		audit:    audit.NewRecorder(db),
		ledger:   ledger.New(db),
		locker:   sweep.NewRedisLocker(cache.GetClient(), cfg.LockPrefix),
	}
	s.effects = &lifecycle.Effector{
		Messenger:   gateway.NewTelegramClient(cfg.TelegramAPIBaseURL, cfg.RetryTimeout),
		Retry:       retry.New(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryTimeout),
		Subscribers: repos.Subscriber,
		Credentials: sealer,
		Failures:    failures,
		InviteTTL:   cfg.InviteTTL,
	}
	s.engine = &lifecycle.Engine{
		DB:          db,
		Subscribers: repos.Subscriber,
		Projects:    repos.Project,
		Effects:     s.effects,
		Audit:       s.audit,
		Config: lifecycle.Config{
			CheckoutSuccessURL: cfg.CheckoutSuccessURL,
			CheckoutCancelURL:  cfg.CheckoutCancelURL,
			PublicURL:          cfg.PublicURL,
			ProofTokenSecret:   cfg.ProofTokenSecret,
			ProofTokenTTL:      cfg.ProofTokenTTL,
			ProofMaxBytes:      cfg.ProofMaxBytes,
		},
	}
	if cfg.StripeSecretKey != "" {
		s.engine.Payments = gateway.NewStripeClient(cfg.StripeSecretKey, cfg.StripeAPIBaseURL, cfg.RetryTimeout)
	}

	proofCfg, err := proofstore.LoadConfig()
	if err != nil {
		return nil, err
	}
	store, err := proofstore.Open(ctx, proofCfg, cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("proof storage: %w", err)
	}
	if store != nil {
		s.engine.Proofs = store
	}
	return s, nil
}

func (s *services) sweeper() *sweep.Sweeper {
	return &sweep.Sweeper{
		Subscribers: s.repos.Subscriber,
		Projects:    s.repos.Project,
		Accounts:    s.repos.AccountSubscription,
		Effects:     s.effects,
		Audit:       s.audit,
		Locker:      s.locker,
		Workers:     s.cfg.SweepWorkers,
		BatchSize:   s.cfg.SweepBatchSize,
	}
}

func (s *services) drainer() *sweep.Drainer {
	return &sweep.Drainer{
		Queue:       s.failures,
		Subscribers: s.repos.Subscriber,
		Projects:    s.repos.Project,
		Effects:     s.effects,
		Audit:       s.audit,
		Locker:      s.locker,
		Workers:     s.cfg.SweepWorkers,
		BatchSize:   s.cfg.SweepBatchSize,
	}
}

// storeReport keeps the last report of each kind for the admin API.
func (s *services) storeReport(kind string, report interface{}) {
	if err := cache.SetJSON(reportKeyPrefix+kind, report, s.cfg.ReportRetention); err != nil {
		log.Warnf("[Boot] Could not store %s report: %v", kind, err)
	}
}

func loadReport(kind string, v interface{}) error {
	return cache.GetJSON(reportKeyPrefix+kind, v)
}

// ready pings the database and Redis.
func (s *services) ready() error {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
