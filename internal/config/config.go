// Package config loads server configuration from defaults, an optional
// ilminate.yaml, environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved server configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Health    HealthConfig    `mapstructure:"health"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Log       LogConfig       `mapstructure:"log"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedsConfig struct {
	PollTimeout            time.Duration `mapstructure:"poll_timeout"`
	DefaultIntervalMinutes int           `mapstructure:"default_interval_minutes"`
	DedupCapacity          int           `mapstructure:"dedup_capacity"`
}

type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

type HTTPConfig struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// LedgerConfig selects the rule ledger store. An empty DatabaseURL keeps
// the ledger in memory.
type LedgerConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
}

// WebhooksConfig lists endpoints notified of backend health transitions
// and new feed updates. Requests are signed when Secret is set.
type WebhooksConfig struct {
	URLs   []string `mapstructure:"urls"`
	Secret string   `mapstructure:"secret"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// New returns a viper instance with defaults, the config file search path
// and environment bindings set. BACKEND_URL and the legacy APEX_BRIDGE_URL
// both override backend.url.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("ilminate")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend.url", "BACKEND_URL", "APEX_BRIDGE_URL")

	v.SetDefault("backend.url", "http://localhost:8888")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("feeds.poll_timeout", "30s")
	v.SetDefault("feeds.default_interval_minutes", 60)
	v.SetDefault("feeds.dedup_capacity", 10000)
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.fail_threshold", 3)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.rate_limit_rps", 20)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("ledger.database_url", "")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("webhooks.urls", []string{})
	v.SetDefault("webhooks.secret", "")
	v.SetDefault("log.development", false)
	return v
}

// Load reads the config file, if any, and decodes v into a Config. A
// missing config file is not an error.
func Load(v *viper.Viper) (*Config, bool, error) {
	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		found = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, found, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Backend.URL == "" {
		return nil, found, errors.New("backend.url must not be empty")
	}
	if cfg.Feeds.DefaultIntervalMinutes < 1 {
		return nil, found, fmt.Errorf("feeds.default_interval_minutes must be at least 1, got %d", cfg.Feeds.DefaultIntervalMinutes)
	}
	return &cfg, found, nil
}

// DefaultInterval is the poll interval for feeds subscribed without one.
func (c FeedsConfig) DefaultInterval() time.Duration {
	return time.Duration(c.DefaultIntervalMinutes) * time.Minute
}
