package proofstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

// Config holds the object storage settings for payment proofs
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads proof storage configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_PROOF_BUCKET", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_PROOFS_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when proof storage is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when proof storage is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_PROOF_BUCKET is required when proof storage is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if S3 proof storage is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}

// Store is what the engine needs from a proof backend.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Open returns the configured store. Without S3 the in-memory store is only
// used in dev and test; elsewhere Open returns nil and proof uploads stay
// disabled, since proofs kept in memory are lost on restart.
func Open(ctx context.Context, cfg *Config, appEnv string) (Store, error) {
	if cfg.IsEnabled() {
		store, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	switch appEnv {
	case "dev", "test":
		log.Warn("[ProofStore] S3 disabled, proofs are kept in memory")
		return NewMemoryStore(), nil
	}
	log.Warn("[ProofStore] S3 disabled, proof uploads are turned off")
	return nil, nil
}
