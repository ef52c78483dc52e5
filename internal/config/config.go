package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Session     SessionConfig     `mapstructure:"session"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxClients          int           `mapstructure:"max_clients"`
	ClientIdleTTL       time.Duration `mapstructure:"client_idle_ttl"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// CircuitConfig holds circuit breaker configuration
type CircuitConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ConcurrencyConfig holds concurrency control configuration
type ConcurrencyConfig struct {
	UserMax       int           `mapstructure:"user_max"`
	AccountMax    int           `mapstructure:"account_max"`
	MaxWaitQueue  int           `mapstructure:"max_wait_queue"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled      bool      `mapstructure:"enabled"`
	UserLimit    LimitRule `mapstructure:"user_limit"`
	AccountLimit LimitRule `mapstructure:"account_limit"`
	IPLimit      LimitRule `mapstructure:"ip_limit"`
	GlobalLimit  LimitRule `mapstructure:"global_limit"`
}

// LimitRule defines a rate limit rule
type LimitRule struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RetryConfig mirrors base §4.5/§6's retry surface: retry_attempts,
// retry_delay_ms (initial_backoff here), and retry_backoff (the
// exponential multiplier), plus the donor's own account-switch bound and
// jitter knobs.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"retry_attempts"`
	MaxAccountSwitches int           `mapstructure:"max_account_switches"`
	InitialBackoff     time.Duration `mapstructure:"retry_delay_ms"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier  float64       `mapstructure:"retry_backoff"`
	Jitter             float64       `mapstructure:"jitter"`
}

// SessionConfig holds the fixed-duration usage window applied to
// session-tracking accounts (base §3, §6's session_duration_ms).
type SessionConfig struct {
	DurationMs int64 `mapstructure:"session_duration_ms"`
}

// RetentionConfig holds base §6's data_retention_days / request_retention_days.
type RetentionConfig struct {
	DataRetentionDays    int           `mapstructure:"data_retention_days"`
	RequestRetentionDays int           `mapstructure:"request_retention_days"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

// SchedulerConfig holds the Selector's strategy and the background loops'
// polling cadence (base §4.4, §4.7, §6's strategy).
type SchedulerConfig struct {
	Strategy             string        `mapstructure:"strategy"` // echoed by /api/config; the Selector always orders by priority
	UsagePollMinInterval time.Duration `mapstructure:"usage_poll_min_interval"`
	UsagePollMaxInterval time.Duration `mapstructure:"usage_poll_max_interval"`
	AutoRefreshInterval  time.Duration `mapstructure:"auto_refresh_interval"`
	AutoRefreshWindow    time.Duration `mapstructure:"auto_refresh_window"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults - Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 300)

	// Set defaults - Storage
	viper.SetDefault("storage.db_path", "./btrproxy.db")

	// Set defaults - Pool
	viper.SetDefault("pool.max_idle_conns", 240)
	viper.SetDefault("pool.max_idle_conns_per_host", 120)
	viper.SetDefault("pool.idle_conn_timeout", "90s")
	viper.SetDefault("pool.max_clients", 5000)
	viper.SetDefault("pool.client_idle_ttl", "15m")
	viper.SetDefault("pool.response_timeout", "10m")

	// Set defaults - Circuit Breaker
	viper.SetDefault("circuit.enabled", true)
	viper.SetDefault("circuit.failure_threshold", 5)
	viper.SetDefault("circuit.success_threshold", 2)
	viper.SetDefault("circuit.open_timeout", "30s")

	// Set defaults - Concurrency
	viper.SetDefault("concurrency.user_max", 10)
	viper.SetDefault("concurrency.account_max", 5)
	viper.SetDefault("concurrency.max_wait_queue", 20)
	viper.SetDefault("concurrency.wait_timeout", "30s")
	viper.SetDefault("concurrency.backoff_base", "100ms")
	viper.SetDefault("concurrency.backoff_max", "2s")
	viper.SetDefault("concurrency.backoff_jitter", 0.2)
	viper.SetDefault("concurrency.ping_interval", "5s")

	// Set defaults - Rate Limit
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.user_limit.requests", 100)
	viper.SetDefault("ratelimit.user_limit.window", "1m")
	viper.SetDefault("ratelimit.account_limit.requests", 1000)
	viper.SetDefault("ratelimit.account_limit.window", "1m")
	viper.SetDefault("ratelimit.ip_limit.requests", 200)
	viper.SetDefault("ratelimit.ip_limit.window", "1m")
	viper.SetDefault("ratelimit.global_limit.requests", 10000)
	viper.SetDefault("ratelimit.global_limit.window", "1m")

	// Set defaults - Retry
	viper.SetDefault("retry.retry_attempts", 3)
	viper.SetDefault("retry.max_account_switches", 10)
	viper.SetDefault("retry.retry_delay_ms", "1s")
	viper.SetDefault("retry.max_backoff", "30s")
	viper.SetDefault("retry.retry_backoff", 2.0)
	viper.SetDefault("retry.jitter", 0.25)

	// Set defaults - Session
	viper.SetDefault("session.session_duration_ms", 5*60*60*1000) // 5h fixed window, base §3

	// Set defaults - Retention
	viper.SetDefault("retention.data_retention_days", 7)
	viper.SetDefault("retention.request_retention_days", 90)
	viper.SetDefault("retention.sweep_interval", "6h")

	// Set defaults - Scheduler
	viper.SetDefault("scheduler.strategy", "priority")
	viper.SetDefault("scheduler.usage_poll_min_interval", "30s")
	viper.SetDefault("scheduler.usage_poll_max_interval", "90s")
	viper.SetDefault("scheduler.auto_refresh_interval", "1m")
	viper.SetDefault("scheduler.auto_refresh_window", "5m")

	// Set defaults - Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Environment variable support
	viper.SetEnvPrefix("BTRPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults and env vars
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	parseDurations(cfg)

	return cfg, nil
}

// parseDurations re-parses the handful of duration fields viper's default
// mapstructure decoder won't coerce from plain strings on its own.
func parseDurations(cfg *Config) {
	if d, err := time.ParseDuration(viper.GetString("pool.idle_conn_timeout")); err == nil {
		cfg.Pool.IdleConnTimeout = d
	}
	if d, err := time.ParseDuration(viper.GetString("pool.client_idle_ttl")); err == nil {
		cfg.Pool.ClientIdleTTL = d
	}
	if d, err := time.ParseDuration(viper.GetString("pool.response_timeout")); err == nil {
		cfg.Pool.ResponseTimeout = d
	}

	if d, err := time.ParseDuration(viper.GetString("circuit.open_timeout")); err == nil {
		cfg.Circuit.OpenTimeout = d
	}

	if d, err := time.ParseDuration(viper.GetString("concurrency.wait_timeout")); err == nil {
		cfg.Concurrency.WaitTimeout = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.backoff_base")); err == nil {
		cfg.Concurrency.BackoffBase = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.backoff_max")); err == nil {
		cfg.Concurrency.BackoffMax = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.ping_interval")); err == nil {
		cfg.Concurrency.PingInterval = d
	}

	if d, err := time.ParseDuration(viper.GetString("ratelimit.user_limit.window")); err == nil {
		cfg.RateLimit.UserLimit.Window = d
	}
	if d, err := time.ParseDuration(viper.GetString("ratelimit.account_limit.window")); err == nil {
		cfg.RateLimit.AccountLimit.Window = d
	}
	if d, err := time.ParseDuration(viper.GetString("ratelimit.ip_limit.window")); err == nil {
		cfg.RateLimit.IPLimit.Window = d
	}
	if d, err := time.ParseDuration(viper.GetString("ratelimit.global_limit.window")); err == nil {
		cfg.RateLimit.GlobalLimit.Window = d
	}

	if d, err := time.ParseDuration(viper.GetString("retry.retry_delay_ms")); err == nil {
		cfg.Retry.InitialBackoff = d
	}
	if d, err := time.ParseDuration(viper.GetString("retry.max_backoff")); err == nil {
		cfg.Retry.MaxBackoff = d
	}

	if d, err := time.ParseDuration(viper.GetString("retention.sweep_interval")); err == nil {
		cfg.Retention.SweepInterval = d
	}

	if d, err := time.ParseDuration(viper.GetString("scheduler.usage_poll_min_interval")); err == nil {
		cfg.Scheduler.UsagePollMinInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("scheduler.usage_poll_max_interval")); err == nil {
		cfg.Scheduler.UsagePollMaxInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("scheduler.auto_refresh_interval")); err == nil {
		cfg.Scheduler.AutoRefreshInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("scheduler.auto_refresh_window")); err == nil {
		cfg.Scheduler.AutoRefreshWindow = d
	}
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
