package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Stats      StatsConfig      `mapstructure:"stats"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Log        LogConfig        `mapstructure:"log"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
	Workers        int      `mapstructure:"workers"`
}

type DispatcherConfig struct {
	MaxInFlight      int64         `mapstructure:"max_in_flight"`
	FailurePolicy    string        `mapstructure:"failure_policy"` // retry_all | skip_permanent
	Backoff          BackoffConfig `mapstructure:"backoff"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryBatch    int           `mapstructure:"recovery_batch"`
	// RecoveryGrace is both the age before recovery looks at a row and the
	// lease a live process holds on its rows.
	RecoveryGrace time.Duration `mapstructure:"recovery_grace"`
}

// RecoveryMargin is the slack recovery_grace must leave over request_timeout.
const RecoveryMargin = 30 * time.Second

type BackoffConfig struct {
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Jitter   float64       `mapstructure:"jitter"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type WebhookConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	TestTimeout          time.Duration `mapstructure:"test_timeout"`
	MaxResponseBodyBytes int           `mapstructure:"max_response_body_bytes"`
	DefaultAlgorithm     string        `mapstructure:"default_algorithm"`
	SignatureHeader      string        `mapstructure:"signature_header"`
	HeaderPrefix         string        `mapstructure:"header_prefix"`
	UserAgent            string        `mapstructure:"user_agent"`
}

type StatsConfig struct {
	Backend   string `mapstructure:"backend"` // mysql | redis
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var (
	FailurePolicies = []string{"retry_all", "skip_permanent"}
	StatsBackends   = []string{"mysql", "redis"}
	Algorithms      = []string{"sha1", "sha256", "sha384", "sha512"}
	LogLevels       = []string{"debug", "info", "warn", "error"}
)

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (WHGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (WHGW_DISPATCHER_MAX_IN_FLIGHT, ...)
	v.SetEnvPrefix("WHGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values outside the enumerated options and impossible numbers.
func (c Config) Validate() error {
	if !oneOf(c.Dispatcher.FailurePolicy, FailurePolicies) {
		return fmt.Errorf("config: dispatcher.failure_policy %q not in %v", c.Dispatcher.FailurePolicy, FailurePolicies)
	}
	if !oneOf(c.Stats.Backend, StatsBackends) {
		return fmt.Errorf("config: stats.backend %q not in %v", c.Stats.Backend, StatsBackends)
	}
	if !oneOf(c.Webhook.DefaultAlgorithm, Algorithms) {
		return fmt.Errorf("config: webhook.default_algorithm %q not in %v", c.Webhook.DefaultAlgorithm, Algorithms)
	}
	if !oneOf(c.Log.Level, LogLevels) {
		return fmt.Errorf("config: log.level %q not in %v", c.Log.Level, LogLevels)
	}
	if c.Dispatcher.MaxInFlight <= 0 {
		return fmt.Errorf("config: dispatcher.max_in_flight must be > 0")
	}
	if c.Dispatcher.Backoff.Jitter < 0 || c.Dispatcher.Backoff.Jitter >= 1 {
		return fmt.Errorf("config: dispatcher.backoff.jitter must be in [0,1)")
	}
	if c.Webhook.RequestTimeout <= 0 || c.Webhook.TestTimeout <= 0 {
		return fmt.Errorf("config: webhook timeouts must be > 0")
	}
	if c.Dispatcher.RecoveryGrace < c.Webhook.RequestTimeout+RecoveryMargin {
		return fmt.Errorf("config: dispatcher.recovery_grace %s must be at least webhook.request_timeout + %s", c.Dispatcher.RecoveryGrace, RecoveryMargin)
	}
	if c.Webhook.MaxResponseBodyBytes <= 0 {
		return fmt.Errorf("config: webhook.max_response_body_bytes must be > 0")
	}
	if strings.TrimSpace(c.Webhook.HeaderPrefix) == "" {
		return fmt.Errorf("config: webhook.header_prefix is empty")
	}
	return nil
}

func oneOf(v string, opts []string) bool {
	for _, o := range opts {
		if v == o {
			return true
		}
	}
	return false
}
