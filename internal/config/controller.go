package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Controller-side defaults, following the constants-with-Default-prefix
// idiom used throughout internal/config.
const (
	DefaultBindAddr           = ":8080"
	DefaultLogLevel           = "info"
	DefaultLeaseTTL           = 15 * time.Minute
	DefaultSchedulerInterval  = 60 * time.Second
	DefaultDatabasePath       = "foundry.db"
	DefaultReadAPIJobPageSize = 50
)

// ControllerConfig holds everything foundryd needs: database location,
// webhook verification secret, bind address, optional Cloudflare Tunnel
// settings, and the auth predicate's shared token.
type ControllerConfig struct {
	DatabaseURL   string        `envconfig:"DATABASE_URL" default:"foundry.db"`
	WebhookSecret string        `envconfig:"GITHUB_WEBHOOK_SECRET" required:"true"`
	BindAddr      string        `envconfig:"FOUNDRY_BIND_ADDR" default:":8080"`
	EnableTunnel  bool          `envconfig:"FOUNDRY_ENABLE_TUNNEL" default:"false"`
	CFTunnelToken string        `envconfig:"CF_TUNNEL_TOKEN"`
	CFAccountID   string        `envconfig:"CF_ACCOUNT_ID"`
	AuthToken     string        `envconfig:"FOUNDRY_AUTH_TOKEN"`
	LogLevel      string        `envconfig:"FOUNDRY_LOG_LEVEL" default:"info"`
	LeaseTTL      time.Duration `envconfig:"FOUNDRY_LEASE_TTL" default:"15m"`
	SchedulerTick time.Duration `envconfig:"FOUNDRY_SCHEDULER_INTERVAL" default:"60s"`
	JobPageSize   int           `envconfig:"FOUNDRY_JOB_PAGE_SIZE" default:"50"`
}

// LoadControllerConfig binds ControllerConfig from the environment,
// delegating the lookup/parsing/defaulting mechanics to envconfig
// rather than hand rolling a setter table.
func LoadControllerConfig() (*ControllerConfig, error) {
	var cfg ControllerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading controller config: %w", err)
	}
	if err := validateControllerConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateControllerConfig(cfg *ControllerConfig) error {
	var errs []error
	if cfg.WebhookSecret == "" {
		errs = append(errs, &ValidationError{Field: "github_webhook_secret", Value: "", Message: "must not be empty"})
	}
	if cfg.BindAddr == "" {
		errs = append(errs, &ValidationError{Field: "bind_addr", Value: cfg.BindAddr, Message: "must not be empty"})
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, &ValidationError{Field: "lease_ttl", Value: cfg.LeaseTTL, Message: "must be positive"})
	}
	if cfg.SchedulerTick <= 0 {
		errs = append(errs, &ValidationError{Field: "scheduler_interval", Value: cfg.SchedulerTick, Message: "must be positive"})
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{Field: "log_level", Value: cfg.LogLevel, Message: "must be one of: debug, info, warn, error"})
	}
	return joinErrs(errs)
}
