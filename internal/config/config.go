package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminToken string `env:"ADMIN_TOKEN"` // empty leaves admin routes open

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/mailpool.db"`

	// Security
	SecretKey string `env:"SECRET_KEY,required,notEmpty"`

	// Token endpoint
	TokenURL    string   `env:"TOKEN_URL" envDefault:"https://login.microsoftonline.com/consumers/oauth2/v2.0/token"`
	TokenScopes []string `env:"TOKEN_SCOPES" envSeparator:" " envDefault:"https://graph.microsoft.com/.default"`

	// Refresh
	RefreshMaxWorkers     int           `env:"REFRESH_MAX_WORKERS" envDefault:"12"`
	RefreshBatchSize      int           `env:"REFRESH_BATCH_SIZE" envDefault:"80"`
	RefreshDelaySeconds   int           `env:"REFRESH_DELAY_SECONDS" envDefault:"5"`
	RefreshBackoffRetries int           `env:"REFRESH_BACKOFF_RETRIES" envDefault:"3"`
	RefreshBackoffBase    time.Duration `env:"REFRESH_BACKOFF_BASE" envDefault:"1s"`
	RefreshBackoffMax     time.Duration `env:"REFRESH_BACKOFF_MAX" envDefault:"10s"`
	RefreshResumeTTL      time.Duration `env:"REFRESH_RESUME_TTL" envDefault:"6h"`
	RefreshLogRetention   time.Duration `env:"REFRESH_LOG_RETENTION" envDefault:"4320h"`

	// Scheduler
	EnableScheduler        bool          `env:"ENABLE_SCHEDULER" envDefault:"true"`
	ScheduleCron           string        `env:"SCHEDULE_CRON" envDefault:"0 2 * * *"`
	UseCronSchedule        bool          `env:"USE_CRON_SCHEDULE" envDefault:"false"`
	RefreshIntervalDays    int           `env:"REFRESH_INTERVAL_DAYS" envDefault:"30"`
	SchedulerLockTTL       time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"120s"`
	SchedulerLockHeartbeat time.Duration `env:"SCHEDULER_LOCK_HEARTBEAT" envDefault:"60s"`

	// External lease API limiter, requests per second per caller
	ExternalRateLimit float64 `env:"EXTERNAL_RATE_LIMIT" envDefault:"10"`
	ExternalRateBurst int     `env:"EXTERNAL_RATE_BURST" envDefault:"20"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.RefreshIntervalDays < 1 {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL_DAYS must be at least 1, got %d", c.RefreshIntervalDays))
	}
	if c.SchedulerLockHeartbeat <= 0 || c.SchedulerLockHeartbeat >= c.SchedulerLockTTL {
		errs = append(errs, fmt.Errorf("SCHEDULER_LOCK_HEARTBEAT (%s) must be positive and below SCHEDULER_LOCK_TTL (%s)",
			c.SchedulerLockHeartbeat, c.SchedulerLockTTL))
	}
	if c.RefreshBackoffRetries < 0 {
		errs = append(errs, errors.New("REFRESH_BACKOFF_RETRIES must not be negative"))
	}
	if c.ExternalRateLimit <= 0 || c.ExternalRateBurst < 1 {
		errs = append(errs, errors.New("EXTERNAL_RATE_LIMIT and EXTERNAL_RATE_BURST must be positive"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
