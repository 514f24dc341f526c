// Package config loads the service configuration from a YAML file and
// CHANSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. CHANSYNC_NATS_URLS
const EnvPrefix = "CHANSYNC"

// Config is the full service configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Credential CredentialConfig `mapstructure:"credential"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type AppConfig struct {
	Name            string        `mapstructure:"name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries uint          `mapstructure:"connect_retries"`
}

type QueueConfig struct {
	// Driver is "jetstream" or "memory"
	Driver        string        `mapstructure:"driver"`
	Stream        string        `mapstructure:"stream"`
	Subject       string        `mapstructure:"subject"`
	Durable       string        `mapstructure:"durable"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxDeliver    int           `mapstructure:"max_deliver"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
	MemoryCap     int           `mapstructure:"memory_capacity"`
}

type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LeaseWait         time.Duration `mapstructure:"lease_wait"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type SchedulerConfig struct {
	Timezone    string        `mapstructure:"timezone"`
	FireTimeout time.Duration `mapstructure:"fire_timeout"`
}

type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	MaxPages  int           `mapstructure:"max_pages"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

type CredentialConfig struct {
	RefreshSkew     time.Duration `mapstructure:"refresh_skew"`
	AnalyticsScopes []string      `mapstructure:"analytics_scopes"`
	RevokeOnDenied  bool          `mapstructure:"revoke_on_denied"`
}

type NotifierConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Relay         bool          `mapstructure:"relay"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

type LeaseConfig struct {
	// Driver is "local" or "postgres"
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Address        string        `mapstructure:"address"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type AlertsConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chansync")
	v.SetDefault("app.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.path", "chansync.db")

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("queue.driver", "jetstream")
	v.SetDefault("queue.stream", "SYNC_JOBS")
	v.SetDefault("queue.subject", "sync.jobs.submit")
	v.SetDefault("queue.durable", "sync-workers")
	v.SetDefault("queue.ack_wait", 5*time.Minute)
	v.SetDefault("queue.max_deliver", 3)
	v.SetDefault("queue.max_ack_pending", 256)
	v.SetDefault("queue.memory_capacity", 1024)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease_wait", 30*time.Second)
	v.SetDefault("worker.job_timeout", 10*time.Minute)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.fire_timeout", 30*time.Second)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.rate_limit", 5.0)
	v.SetDefault("provider.burst", 10)
	v.SetDefault("provider.max_pages", 20)

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.token_url", "")

	v.SetDefault("credential.refresh_skew", time.Minute)
	v.SetDefault("credential.analytics_scopes", []string{})
	v.SetDefault("credential.revoke_on_denied", false)

	v.SetDefault("notifier.buffer_size", 64)
	v.SetDefault("notifier.send_timeout", 5*time.Second)
	v.SetDefault("notifier.relay", true)
	v.SetDefault("notifier.subject_prefix", "sync.status")

	v.SetDefault("lease.driver", "local")
	v.SetDefault("lease.dsn", "")
	v.SetDefault("lease.poll_interval", 250*time.Millisecond)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.sample_interval", 15*time.Second)

	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.prune_interval", 24*time.Hour)

	v.SetDefault("alerts.failure_threshold", 3)
}

// Load reads the YAML file at path, when non-empty, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Driver {
	case "jetstream":
		if len(c.NATS.URLs) == 0 {
			errs = append(errs, errors.New("nats.urls is required by the jetstream queue"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}

	switch c.Lease.Driver {
	case "local":
	case "postgres":
		if c.Lease.DSN == "" {
			errs = append(errs, errors.New("lease.dsn is required by the postgres lease driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lease.driver %q", c.Lease.Driver))
	}

	if c.Notifier.Relay && len(c.NATS.URLs) == 0 {
		errs = append(errs, errors.New("nats.urls is required by the notifier relay"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.LeaseWait <= 0 {
		errs = append(errs, errors.New("worker.lease_wait must be positive"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}
	if c.OAuth.TokenURL == "" {
		errs = append(errs, errors.New("oauth.token_url is required"))
	}
	if c.Credential.RefreshSkew < 0 {
		errs = append(errs, errors.New("credential.refresh_skew must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.SampleInterval <= 0 {
		errs = append(errs, errors.New("metrics.sample_interval must be positive"))
	}
	if c.Alerts.FailureThreshold <= 0 {
		errs = append(errs, errors.New("alerts.failure_threshold must be positive"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid scheduler.timezone: %w", err))
	}

	return errors.Join(errs...)
}

// Location returns the scheduler time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UsesNATS reports whether any component needs a NATS connection
func (c *Config) UsesNATS() bool {
	return c.Queue.Driver == "jetstream" || c.Notifier.Relay
}
