package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/camuig/crypto-rebalancer/internal/guard"
)

const (
	ModePaper  = "paper"
	ModeDryRun = "dry_run"
)

type Config struct {
	Account  string         `yaml:"account"`
	Mode     string         `yaml:"mode"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Policy   PolicyConfig   `yaml:"policy"`
	Storage  StorageConfig  `yaml:"storage"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Prices   PricesConfig   `yaml:"prices"`
	Lock     LockConfig     `yaml:"lock"`
	Guard    GuardConfig    `yaml:"guard"`
	Telegram TelegramConfig `yaml:"telegram"`
	AI       AIConfig       `yaml:"ai"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ScheduleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interval  string `yaml:"interval"`
	AutoApply bool   `yaml:"auto_apply"`
}

type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ExchangeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	SecretKey      string `yaml:"secret_key"`
	BaseURL        string `yaml:"base_url"`
	QuoteAsset     string `yaml:"quote_asset"`
	UseBalances    bool   `yaml:"use_balances"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Concurrency    int    `yaml:"concurrency"`
}

type PricesConfig struct {
	Retries      int  `yaml:"retries"`
	RetryDelayMs int  `yaml:"retry_delay_ms"`
	Coinbase     bool `yaml:"coinbase"`
	Store        bool `yaml:"store"`
}

type LockConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	WaitSeconds int    `yaml:"wait_seconds"`
}

type GuardConfig struct {
	guard.Limits `yaml:",inline"`
	KillFile     string `yaml:"kill_file"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type AIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Account == "" {
		cfg.Account = "trading"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDryRun
	}
	if cfg.Schedule.Interval == "" {
		cfg.Schedule.Interval = "1h"
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = "policy.yaml"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "data/rebalancer.db"
	}
	if cfg.Exchange.QuoteAsset == "" {
		cfg.Exchange.QuoteAsset = "USDT"
	}
	if cfg.Exchange.TimeoutSeconds == 0 {
		cfg.Exchange.TimeoutSeconds = 15
	}
	if cfg.Exchange.Concurrency == 0 {
		cfg.Exchange.Concurrency = 4
	}
	if cfg.Prices.Retries == 0 {
		cfg.Prices.Retries = 3
	}
	if cfg.Prices.RetryDelayMs == 0 {
		cfg.Prices.RetryDelayMs = 500
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "file"
	}
	if cfg.Lock.Dir == "" {
		cfg.Lock.Dir = "locks"
	}
	if cfg.Lock.TTLSeconds == 0 {
		cfg.Lock.TTLSeconds = 300
	}
	if cfg.Lock.WaitSeconds == 0 {
		cfg.Lock.WaitSeconds = 10
	}
	def := guard.DefaultLimits()
	if cfg.Guard.MaxTurnoverPct == 0 {
		cfg.Guard.MaxTurnoverPct = def.MaxTurnoverPct
	}
	if cfg.Guard.MaxOrders == 0 {
		cfg.Guard.MaxOrders = def.MaxOrders
	}
	if cfg.Guard.MaxExposurePct == 0 {
		cfg.Guard.MaxExposurePct = def.MaxExposurePct
	}
	if cfg.Guard.MinOrderUSD == 0 {
		cfg.Guard.MinOrderUSD = def.MinOrderUSD
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "deepseek-chat"
	}
	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.AI.TimeoutSeconds == 0 {
		cfg.AI.TimeoutSeconds = 60
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeDryRun {
		return fmt.Errorf("invalid mode %q: want %s or %s", c.Mode, ModePaper, ModeDryRun)
	}
	if _, err := time.ParseDuration(c.Schedule.Interval); err != nil {
		return fmt.Errorf("invalid schedule.interval %q: %w", c.Schedule.Interval, err)
	}
	if c.ScheduleInterval() <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver)
	}
	switch c.Lock.Backend {
	case "file":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported lock.backend %q", c.Lock.Backend)
	}
	if c.Exchange.UseBalances && !c.Exchange.Enabled {
		return fmt.Errorf("exchange.use_balances requires exchange.enabled")
	}
	if c.Exchange.UseBalances && c.Mode == ModePaper {
		return fmt.Errorf("exchange.use_balances cannot be combined with paper mode")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required when ai is enabled")
	}
	return nil
}

func (c *Config) IsPaper() bool {
	return c.Mode == ModePaper
}

func (c *Config) ScheduleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Schedule.Interval)
	return d
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Lock.WaitSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Prices.RetryDelayMs) * time.Millisecond
}

func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutSeconds) * time.Second
}

func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}
