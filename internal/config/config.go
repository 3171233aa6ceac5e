// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// duration wraps time.Duration so TOML values like "30s" parse directly.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADECORE_* environment
// variables.
type Config struct {
	Engine    EngineConfig     `toml:"engine"`
	Assets    []AssetConfig    `toml:"assets"`
	Pairs     []PairConfig     `toml:"pairs"`
	Rules     []RuleConfig     `toml:"rules"`
	Platforms []PlatformConfig `toml:"platforms"`
	Paper     PaperConfig      `toml:"paper"`
	Postgres  PostgresConfig   `toml:"postgres"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Notify    NotifyConfig     `toml:"notify"`
	Retention RetentionConfig  `toml:"retention"`
	Mode      string           `toml:"mode"`
	LogLevel  string           `toml:"log_level"`
}

// EngineConfig holds reconciliation and lifecycle tuning. Tolerances are
// decimal strings so no precision is lost in transit.
type EngineConfig struct {
	DriftTolerance     string   `toml:"drift_tolerance"`
	FillTolerance      string   `toml:"fill_tolerance"`
	LostOperationLimit int      `toml:"lost_operation_limit"`
	ExpiryInterval     duration `toml:"expiry_interval"`
	SubmitRateLimit    int      `toml:"submit_rate_limit"`
	SubmitRateWindow   duration `toml:"submit_rate_window"`
}

// DriftDecimal returns the parsed drift tolerance.
func (e EngineConfig) DriftDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(e.DriftTolerance)
}

// FillDecimal returns the parsed fill tolerance.
func (e EngineConfig) FillDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(e.FillTolerance)
}

// AssetConfig registers one tradeable asset.
type AssetConfig struct {
	Symbol    string `toml:"symbol"`
	Name      string `toml:"name"`
	Precision int    `toml:"precision"`
}

// PairConfig registers one trading pair on a platform.
type PairConfig struct {
	Platform string `toml:"platform"`
	Base     string `toml:"base"`
	Quote    string `toml:"quote"`
	Symbol   string `toml:"symbol"`
}

// RuleConfig holds one pair's trading constraints. Empty bounds mean
// unconstrained.
type RuleConfig struct {
	Platform          string `toml:"platform"`
	Symbol            string `toml:"symbol"`
	MinOrderSize      string `toml:"min_order_size"`
	MaxOrderSize      string `toml:"max_order_size"`
	MinPriceIncrement string `toml:"min_price_increment"`
	MinNotional       string `toml:"min_notional"`
	SupportsLimit     bool   `toml:"supports_limit"`
	SupportsMarket    bool   `toml:"supports_market"`
	Live              bool   `toml:"live"`
}

// PlatformConfig holds one gateway venue's connection settings.
type PlatformConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	APIKey  string `toml:"api_key"`
}

// PaperConfig configures the built-in simulated venue used in paper mode.
type PaperConfig struct {
	Platform string          `toml:"platform"`
	Deposits []DepositConfig `toml:"deposits"`
}

// DepositConfig seeds one asset balance on the simulated venue.
type DepositConfig struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds operator notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// RetentionConfig controls archival of terminal operations and audit rows.
type RetentionConfig struct {
	Enabled  bool     `toml:"enabled"`
	Days     int      `toml:"days"`
	Interval duration `toml:"interval"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			DriftTolerance:     "0.00000001",
			FillTolerance:      "0.00000001",
			LostOperationLimit: 3,
			ExpiryInterval:     duration{time.Second},
			SubmitRateLimit:    10,
			SubmitRateWindow:   duration{time.Second},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Paper: PaperConfig{
			Platform: "sim",
		},
		Notify: NotifyConfig{
			Events: []string{"operation_terminal", "balance_drift", "unknown_remote_order", "lost_operation"},
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Days:     90,
			Interval: duration{24 * time.Hour},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade": true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if _, err := c.Engine.DriftDecimal(); err != nil {
		errs = append(errs, fmt.Sprintf("engine: drift_tolerance %q is not a decimal", c.Engine.DriftTolerance))
	}
	if _, err := c.Engine.FillDecimal(); err != nil {
		errs = append(errs, fmt.Sprintf("engine: fill_tolerance %q is not a decimal", c.Engine.FillTolerance))
	}
	if c.Engine.LostOperationLimit < 1 {
		errs = append(errs, "engine: lost_operation_limit must be >= 1")
	}
	if c.Engine.ExpiryInterval.Duration <= 0 {
		errs = append(errs, "engine: expiry_interval must be > 0")
	}

	// Assets and pairs
	seenAssets := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			errs = append(errs, fmt.Sprintf("assets[%d]: symbol must not be empty", i))
			continue
		}
		if seenAssets[a.Symbol] {
			errs = append(errs, fmt.Sprintf("assets[%d]: duplicate symbol %q", i, a.Symbol))
		}
		seenAssets[a.Symbol] = true
		if a.Precision < 0 {
			errs = append(errs, fmt.Sprintf("assets[%d]: precision must be >= 0", i))
		}
	}
	for i, p := range c.Pairs {
		if p.Platform == "" || p.Symbol == "" {
			errs = append(errs, fmt.Sprintf("pairs[%d]: platform and symbol must not be empty", i))
			continue
		}
		if !seenAssets[p.Base] {
			errs = append(errs, fmt.Sprintf("pairs[%d]: base asset %q is not declared", i, p.Base))
		}
		if !seenAssets[p.Quote] {
			errs = append(errs, fmt.Sprintf("pairs[%d]: quote asset %q is not declared", i, p.Quote))
		}
	}

	// Rules reference declared pairs and carry parseable bounds.
	pairKeys := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		pairKeys[p.Platform+"/"+p.Symbol] = true
	}
	for i, r := range c.Rules {
		if !pairKeys[r.Platform+"/"+r.Symbol] {
			errs = append(errs, fmt.Sprintf("rules[%d]: pair %s/%s is not declared", i, r.Platform, r.Symbol))
		}
		for _, bound := range []struct{ name, value string }{
			{"min_order_size", r.MinOrderSize},
			{"max_order_size", r.MaxOrderSize},
			{"min_price_increment", r.MinPriceIncrement},
			{"min_notional", r.MinNotional},
		} {
			if bound.value == "" {
				continue
			}
			if _, err := decimal.NewFromString(bound.value); err != nil {
				errs = append(errs, fmt.Sprintf("rules[%d]: %s %q is not a decimal", i, bound.name, bound.value))
			}
		}
	}

	// Paper mode runs the built-in simulator.
	if strings.ToLower(c.Mode) == "paper" {
		if c.Paper.Platform == "" {
			errs = append(errs, "paper: platform must not be empty")
		}
		for i, d := range c.Paper.Deposits {
			if d.Asset == "" {
				errs = append(errs, fmt.Sprintf("paper.deposits[%d]: asset must not be empty", i))
			}
			if _, err := decimal.NewFromString(d.Amount); err != nil {
				errs = append(errs, fmt.Sprintf("paper.deposits[%d]: amount %q is not a decimal", i, d.Amount))
			}
		}
	}

	// Trade mode talks to real gateways.
	if strings.ToLower(c.Mode) == "trade" {
		if len(c.Platforms) == 0 {
			errs = append(errs, "platforms: at least one platform is required for trade mode")
		}
		for i, p := range c.Platforms {
			if p.Name == "" {
				errs = append(errs, fmt.Sprintf("platforms[%d]: name must not be empty", i))
			}
			if p.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("platforms[%d]: base_url must not be empty", i))
			}
			if p.WSURL == "" {
				errs = append(errs, fmt.Sprintf("platforms[%d]: ws_url must not be empty", i))
			}
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when retention archiving is on.
	if c.Retention.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when retention is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when retention is enabled")
		}
		if c.Retention.Days < 1 {
			errs = append(errs, "retention: days must be >= 1")
		}
		if c.Retention.Interval.Duration <= 0 {
			errs = append(errs, "retention: interval must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
