// Package config loads service configuration with viper: defaults, an
// optional pidserv.yaml, and PIDSERV_-prefixed environment variables, in
// increasing precedence. Secrets ride in env vars and are never logged.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`
	DatabaseURL string `mapstructure:"database_url"`

	Admin AdminConfig `mapstructure:"admin"`

	// Lock manager caps, per user.
	MaxConcurrentOps int `mapstructure:"max_concurrent_ops"`
	MaxThreads       int `mapstructure:"max_threads"`

	Redis RedisConfig `mapstructure:"redis"`

	Binder   RegistryConfig `mapstructure:"binder"`
	DataCite RegistryConfig `mapstructure:"datacite"`
	Crossref CrossrefConfig `mapstructure:"crossref"`

	Worker      WorkerConfig      `mapstructure:"worker"`
	LinkChecker LinkCheckerConfig `mapstructure:"link_checker"`

	ShoulderCacheTTL time.Duration `mapstructure:"shoulder_cache_ttl"`
}

// AdminConfig is the bootstrap administrator account.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RedisConfig configures the optional resolver target cache. An empty URL
// disables it.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	TargetTTL    time.Duration `mapstructure:"target_ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RegistryConfig is the connection to one external registry.
type RegistryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CrossrefConfig extends RegistryConfig with deposit-specific fields.
type CrossrefConfig struct {
	RegistryConfig  `mapstructure:",squash"`
	Depositor       string `mapstructure:"depositor"`
	DepositorEmail  string `mapstructure:"depositor_email"`
	TombstoneTarget string `mapstructure:"tombstone_target"`
}

// WorkerConfig tunes the registrar queue workers.
type WorkerConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	IdleSleep      time.Duration `mapstructure:"idle_sleep"`
	BackoffFloor   time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
}

// LinkCheckerConfig tunes the target URL checker.
type LinkCheckerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxFailures   int           `mapstructure:"max_failures"`
	MaxReadBytes  int64         `mapstructure:"max_read_bytes"`
	UserAgent     string        `mapstructure:"user_agent"`
	RecheckAfter  time.Duration `mapstructure:"recheck_after"`
	BatchPerOwner int           `mapstructure:"batch_per_owner"`
}

// Load reads configuration. The yaml file is optional; env vars like
// PIDSERV_DATABASE_URL or PIDSERV_DATACITE_PASSWORD override it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("max_concurrent_ops", 4)
	v.SetDefault("max_threads", 16)
	v.SetDefault("shoulder_cache_ttl", 5*time.Minute)

	v.SetDefault("redis.target_ttl", time.Minute)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	for _, r := range []string{"binder", "datacite", "crossref"} {
		v.SetDefault(r+".enabled", false)
		v.SetDefault(r+".timeout", 30*time.Second)
	}

	v.SetDefault("worker.batch_size", 100)
	v.SetDefault("worker.idle_sleep", 5*time.Second)
	v.SetDefault("worker.backoff_floor", 10*time.Second)
	v.SetDefault("worker.backoff_ceiling", 10*time.Minute)

	v.SetDefault("link_checker.enabled", false)
	v.SetDefault("link_checker.interval", time.Minute)
	v.SetDefault("link_checker.timeout", 30*time.Second)
	v.SetDefault("link_checker.max_failures", 5)
	v.SetDefault("link_checker.max_read_bytes", 1<<20)
	v.SetDefault("link_checker.user_agent", "pidserv-link-checker")
	v.SetDefault("link_checker.recheck_after", 24*time.Hour)
	v.SetDefault("link_checker.batch_per_owner", 10)

	v.SetConfigName("pidserv")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pidserv")

	v.SetEnvPrefix("PIDSERV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
