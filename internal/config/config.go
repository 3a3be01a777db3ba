package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// NATSURL is the JetStream server for ingest events. Empty disables
	// event publishing.
	NATSURL string `mapstructure:"nats_url"`

	// AuthServiceURL is the external auth service that stores and
	// refreshes provider OAuth tokens.
	AuthServiceURL string `mapstructure:"auth_service_url"`

	// JWKSURL verifies operator JWTs. Empty disables operator auth
	// (local development only).
	JWKSURL string `mapstructure:"jwks_url"`

	// TaskToken is the shared bearer token the external scheduler and
	// provider webhooks present on /push and /tasks routes.
	TaskToken string `mapstructure:"task_token"`

	Sync SyncConfig `mapstructure:"sync"`

	Providers ProviderConfig `mapstructure:"providers"`

	LogLevel string `mapstructure:"log_level"`
}

// ProviderConfig carries per-provider connection settings.
type ProviderConfig struct {
	// GmailPushTopic is the Pub/Sub topic Gmail watch notifications are
	// routed through. Empty disables Gmail push.
	GmailPushTopic string `mapstructure:"gmail_push_topic"`

	// OutlookNotificationURL receives Graph change notifications. Empty
	// disables Outlook push.
	OutlookNotificationURL string `mapstructure:"outlook_notification_url"`

	// IMAPHost and IMAPPort locate the IMAP server for generic accounts.
	IMAPHost string `mapstructure:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port"`
}

// SyncConfig tunes the crawl engine.
type SyncConfig struct {
	// SeedCount is how many recent messages per folder the seeder
	// fetches with bodies.
	SeedCount int `mapstructure:"seed_count"`

	// ChunkSize bounds one backfill window. Kept below typical provider
	// page limits so a single failure's blast radius stays small.
	ChunkSize int `mapstructure:"chunk_size"`

	ForwardInterval  time.Duration `mapstructure:"forward_interval"`
	BackfillInterval time.Duration `mapstructure:"backfill_interval"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`

	// StallThreshold is how stale a liveness stamp may get before the
	// watchdog rescues the crawler. Should be a small multiple of the
	// crawl interval.
	StallThreshold time.Duration `mapstructure:"stall_threshold"`

	// LeaseTTL is the expiry on the per-account-per-direction crawl
	// lease.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// FetchTimeout bounds any single adapter network call.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// RetryHorizon caps total retry time for one unit of work.
	RetryHorizon time.Duration `mapstructure:"retry_horizon"`

	// MaxPassFailures is how many consecutive failed passes escalate an
	// account to the error state.
	MaxPassFailures int `mapstructure:"max_pass_failures"`

	// ResetStalledToPending, when true, fully resets an account that
	// has been stalled past the threshold instead of rescuing the
	// crawler in place.
	ResetStalledToPending bool `mapstructure:"reset_stalled_to_pending"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "data/syncd.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("sync.seed_count", 10)
	v.SetDefault("sync.chunk_size", 50)
	v.SetDefault("sync.forward_interval", 30*time.Second)
	v.SetDefault("sync.backfill_interval", 2*time.Minute)
	v.SetDefault("sync.watchdog_interval", time.Minute)
	v.SetDefault("sync.stall_threshold", 5*time.Minute)
	v.SetDefault("sync.lease_ttl", 2*time.Minute)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.retry_horizon", 2*time.Minute)
	v.SetDefault("sync.max_pass_failures", 5)
	v.SetDefault("sync.reset_stalled_to_pending", false)
	v.SetDefault("providers.imap_port", 993)
}

// Load reads configuration from the given YAML file. A missing file
// yields the defaults; environment variables prefixed SYNCD_ override.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNCD")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.SeedCount <= 0 {
		return fmt.Errorf("sync.seed_count must be positive")
	}
	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}
	if c.Sync.StallThreshold < c.Sync.ForwardInterval {
		return fmt.Errorf("sync.stall_threshold must be at least the forward interval")
	}
	return nil
}
