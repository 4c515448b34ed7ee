package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"indicator-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Push       PushConfig       `mapstructure:"push"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the shared dispatch-token cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// UpstreamConfig describes one market-data upstream.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// MarketDataConfig captures upstream selection and series caching.
type MarketDataConfig struct {
	Primary       UpstreamConfig `mapstructure:"primary"`
	Crypto        UpstreamConfig `mapstructure:"crypto"`
	CryptoEnabled bool           `mapstructure:"crypto_enabled"`
	CacheTTL      time.Duration  `mapstructure:"cache_ttl"`
	CandleLimit   int            `mapstructure:"candle_limit"`
}

// EvaluationConfig bounds each batch-evaluation cycle.
type EvaluationConfig struct {
	MaxGroupsPerCycle  int           `mapstructure:"max_groups_per_cycle"`
	FetchDelay         time.Duration `mapstructure:"fetch_delay"`
	FetchBurst         int           `mapstructure:"fetch_burst"`
	RateLimitBackoff   time.Duration `mapstructure:"rate_limit_backoff"`
	DispatchBatchSize  int           `mapstructure:"dispatch_batch_size"`
	DispatchBatchPause time.Duration `mapstructure:"dispatch_batch_pause"`
	EventRetention     time.Duration `mapstructure:"event_retention"`
}

// PushConfig defines the notification backend and its credential flow.
type PushConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SendURL        string        `mapstructure:"send_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientEmail    string        `mapstructure:"client_email"`
	PrivateKeyPEM  string        `mapstructure:"private_key_pem"`
	PrivateKeyID   string        `mapstructure:"private_key_id"`
	Scope          string        `mapstructure:"scope"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	RefreshSkew    time.Duration `mapstructure:"refresh_skew"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxTriggerAge  time.Duration `mapstructure:"max_trigger_age"`
}

// MetricsConfig exposes the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "indalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("marketdata.primary.request_timeout", "10s")
	v.SetDefault("marketdata.primary.user_agent", "indalerts/1.0")
	v.SetDefault("marketdata.crypto.base_url", "https://api.binance.com")
	v.SetDefault("marketdata.crypto.request_timeout", "10s")
	v.SetDefault("marketdata.crypto.user_agent", "indalerts/1.0")
	v.SetDefault("marketdata.crypto_enabled", true)
	v.SetDefault("marketdata.cache_ttl", "45s")
	v.SetDefault("marketdata.candle_limit", 120)

	v.SetDefault("evaluation.max_groups_per_cycle", 40)
	v.SetDefault("evaluation.fetch_delay", "500ms")
	v.SetDefault("evaluation.fetch_burst", 1)
	v.SetDefault("evaluation.rate_limit_backoff", "10s")
	v.SetDefault("evaluation.dispatch_batch_size", 20)
	v.SetDefault("evaluation.dispatch_batch_pause", "250ms")
	v.SetDefault("evaluation.event_retention", "720h")

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.scope", "https://www.googleapis.com/auth/firebase.messaging")
	v.SetDefault("push.token_ttl", "1h")
	v.SetDefault("push.refresh_skew", "5m")
	v.SetDefault("push.request_timeout", "10s")
	v.SetDefault("push.max_trigger_age", "10m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.MarketData.CacheTTL <= 0 {
		return fmt.Errorf("marketdata.cache_ttl must be greater than zero")
	}
	if c.MarketData.CandleLimit <= 0 {
		return fmt.Errorf("marketdata.candle_limit must be greater than zero")
	}
	if c.Evaluation.MaxGroupsPerCycle <= 0 {
		return fmt.Errorf("evaluation.max_groups_per_cycle must be greater than zero")
	}
	if c.Evaluation.DispatchBatchSize <= 0 {
		return fmt.Errorf("evaluation.dispatch_batch_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Push.Enabled {
		if c.Push.SendURL == "" {
			return fmt.Errorf("push.send_url must be configured when push is enabled")
		}
		if c.Push.TokenURL == "" {
			return fmt.Errorf("push.token_url must be configured when push is enabled")
		}
		if c.Push.ClientEmail == "" || c.Push.PrivateKeyPEM == "" {
			return fmt.Errorf("push.client_email and push.private_key_pem must be configured when push is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
