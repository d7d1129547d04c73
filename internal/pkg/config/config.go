// Package config assembles the typed runtime settings from environment
// variables and validates them once at startup.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/env"
)

type Config struct {
	AppEnv    string `validate:"oneof=dev test prod"`
	AppHost   string `validate:"required"`
	AppPort   string `validate:"required,numeric"`
	PublicURL string `validate:"omitempty,url"`

	AdminAPIKey string `validate:"omitempty,min=16"`

	// CredentialKey seals project bot tokens at rest.
	CredentialKey string `validate:"required"`

	TelegramAPIBaseURL string `validate:"required,url"`
	InviteTTL          time.Duration

	StripeSecretKey            string
	StripeAPIBaseURL           string `validate:"required,url"`
	StripeWebhookSecret        string
	StripeConnectWebhookSecret string
	WebhookTolerance           time.Duration `validate:"min=0"`
	WebhookRateLimit           int           `validate:"min=1"`
	CheckoutSuccessURL         string        `validate:"omitempty,url"`
	CheckoutCancelURL          string        `validate:"omitempty,url"`

	ProofTokenSecret string
	ProofTokenTTL    time.Duration
	ProofMaxBytes    int64 `validate:"min=1024"`

	RetryMaxAttempts int           `validate:"min=1,max=10"`
	RetryBaseDelay   time.Duration `validate:"min=0"`
	RetryTimeout     time.Duration `validate:"min=0"`

	SchedulerEnabled     bool
	SweepInterval        time.Duration
	DrainInterval        time.Duration
	SweepWorkers         int           `validate:"min=1,max=64"`
	SweepBatchSize       int           `validate:"min=1,max=1000"`
	FailedOpMaxAttempts  int           `validate:"min=1"`
	LockPrefix           string
	RedisLimiterDatabase int `validate:"min=0,max=15"`
	RedisLimiterEnabled  bool
	ReportRetention      time.Duration
}

// Load reads the settings. env.SetupEnvFile should have run before.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		AppEnv:    env.GetEnv("APP_ENV", "prod"),
		AppHost:   env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:   env.GetEnv("APP_PORT", "4000"),
		PublicURL: strings.TrimRight(env.GetEnv("PUBLIC_URL", ""), "/"),

		AdminAPIKey:   env.GetEnv("ADMIN_API_KEY", ""),
		CredentialKey: env.GetEnv("CREDENTIAL_KEY", ""),

		TelegramAPIBaseURL: env.GetEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		InviteTTL:          duration("INVITE_TTL", 72*time.Hour, &errs),

		StripeSecretKey:            env.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeAPIBaseURL:           env.GetEnv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
		StripeWebhookSecret:        env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeConnectWebhookSecret: env.GetEnv("STRIPE_CONNECT_WEBHOOK_SECRET", ""),
		WebhookTolerance:           duration("WEBHOOK_TOLERANCE", 5*time.Minute, &errs),
		WebhookRateLimit:           integer("WEBHOOK_RATE_LIMIT", 120, &errs),
		CheckoutSuccessURL:         env.GetEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:          env.GetEnv("CHECKOUT_CANCEL_URL", ""),

		ProofTokenSecret: env.GetEnv("PROOF_TOKEN_SECRET", ""),
		ProofTokenTTL:    duration("PROOF_TOKEN_TTL", 48*time.Hour, &errs),
		ProofMaxBytes:    int64(integer("PROOF_MAX_BYTES", 10<<20, &errs)),

		RetryMaxAttempts: integer("RETRY_MAX_ATTEMPTS", 3, &errs),
		RetryBaseDelay:   duration("RETRY_BASE_DELAY", time.Second, &errs),
		RetryTimeout:     duration("RETRY_TIMEOUT", 10*time.Second, &errs),

		SchedulerEnabled:     env.GetEnv("SCHEDULER_ENABLED", "true") == "true",
		SweepInterval:        duration("SWEEP_INTERVAL", 15*time.Minute, &errs),
		DrainInterval:        duration("DRAIN_INTERVAL", 5*time.Minute, &errs),
		SweepWorkers:         integer("SWEEP_WORKERS", 4, &errs),
		SweepBatchSize:       integer("SWEEP_BATCH_SIZE", 100, &errs),
		FailedOpMaxAttempts:  integer("FAILED_OP_MAX_ATTEMPTS", 8, &errs),
		LockPrefix:           env.GetEnv("LOCK_PREFIX", "channelpass:lock:"),
		RedisLimiterDatabase: integer("LIMITER_REDIS_DB", 1, &errs),
		RedisLimiterEnabled:  env.GetEnv("LIMITER_REDIS_ENABLED", "true") == "true",
		ReportRetention:      duration("REPORT_RETENTION", 7*24*time.Hour, &errs),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the pairs that only make sense
// together.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.ProofTokenSecret != "" && c.PublicURL == "" {
		return errors.New("invalid configuration: PUBLIC_URL is required when PROOF_TOKEN_SECRET is set")
	}
	if c.StripeSecretKey != "" && (c.CheckoutSuccessURL == "" || c.CheckoutCancelURL == "") {
		return errors.New("invalid configuration: CHECKOUT_SUCCESS_URL and CHECKOUT_CANCEL_URL are required with STRIPE_SECRET_KEY")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func integer(key string, def int, errs *[]error) int {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
