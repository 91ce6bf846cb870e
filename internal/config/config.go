// Package config loads service configuration from a YAML file, an optional
// .env file and environment variable overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/retry"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Env        string     `yaml:"env"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
	Database   Database   `yaml:"database"`
	Store      Store      `yaml:"store"`
	Trading    Trading    `yaml:"trading"`
	Exchange   Exchange   `yaml:"exchange"`
	MarketData MarketData `yaml:"market_data"`
	Auth       Auth       `yaml:"auth"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
}

type Server struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Logging struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogQueries      bool          `yaml:"log_queries"`
}

// Store bounds every store call.
type Store struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type Trading struct {
	ProcessorInterval time.Duration `yaml:"processor_interval"`
	ReplayGrace       time.Duration `yaml:"replay_grace"`
	SessionTimezone   string        `yaml:"session_timezone"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	ComplianceEnabled bool          `yaml:"compliance_enabled"`
	RestrictedSymbols []string      `yaml:"restricted_symbols"`
	MaxOrderQuantity  string        `yaml:"max_order_quantity"`
}

type Exchange struct {
	Enabled      bool    `yaml:"enabled"`
	Seed         int64   `yaml:"seed"`
	MaxAttempts  int     `yaml:"max_attempts"`
	LatencyScale float64 `yaml:"latency_scale"`
	QuantityStep string  `yaml:"quantity_step"`
}

type MarketData struct {
	Prices        map[string]string `yaml:"prices"`
	RedisAddr     string            `yaml:"redis_addr"`
	RedisPassword string            `yaml:"redis_password"`
	RedisDB       int               `yaml:"redis_db"`
}

type Auth struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	APIKeys   []APIKey      `yaml:"api_keys"`
}

type APIKey struct {
	Key         string   `yaml:"key"`
	Secret      string   `yaml:"secret"`
	AccountID   int64    `yaml:"account_id"`
	Permissions []string `yaml:"permissions"`
}

// RateLimit holds requests per minute by route family; zero is unlimited.
type RateLimit struct {
	Auth     float64 `yaml:"auth"`
	Trading  float64 `yaml:"trading"`
	Read     float64 `yaml:"read"`
	Internal float64 `yaml:"internal"`
}

// Default returns the configuration used for anything a file or the
// environment does not set.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: Server{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000"},
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: Logging{Level: "info"},
		Database: Database{
			Driver: "sqlite",
			DSN:    "ledger.db",
		},
		Store: Store{
			Timeout:     retry.DefaultPolicy.Timeout,
			MaxAttempts: retry.DefaultPolicy.MaxAttempts,
			BaseBackoff: retry.DefaultPolicy.BaseDelay,
			MaxBackoff:  retry.DefaultPolicy.MaxDelay,
		},
		Trading: Trading{
			ProcessorInterval: 30 * time.Second,
			ReplayGrace:       10 * time.Second,
			SessionTimezone:   "America/New_York",
			SubmitTimeout:     5 * time.Second,
		},
		Exchange: Exchange{
			Enabled:      true,
			MaxAttempts:  3,
			LatencyScale: 1,
			QuantityStep: "1",
		},
		Auth: Auth{
			TokenTTL: 24 * time.Hour,
		},
		RateLimit: RateLimit{
			Auth:     10,
			Trading:  100,
			Read:     1000,
			Internal: 0,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// .env and environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if os.Getenv("DEBUG") == "true" {
		cfg.Logging.Debug = true
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.MarketData.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTH_ENABLED %q: %w", v, err)
		}
		cfg.Auth.Enabled = enabled
	}
	return nil
}

// Validate checks the settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q must be sqlite, postgres or mysql", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if _, err := c.SessionLocation(); err != nil {
		return err
	}
	if _, err := c.StaticPrices(); err != nil {
		return err
	}
	if _, err := c.MaxOrderQuantity(); err != nil {
		return err
	}
	if _, err := c.QuantityStep(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// RetryPolicy converts the store section into a retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Store.MaxAttempts,
		Timeout:     c.Store.Timeout,
		BaseDelay:   c.Store.BaseBackoff,
		MaxDelay:    c.Store.MaxBackoff,
	}
}

// RateLimits converts the rate_limit section for the middleware.
func (c *Config) RateLimits() middleware.RateLimits {
	return middleware.RateLimits{
		Auth:     c.RateLimit.Auth,
		Trading:  c.RateLimit.Trading,
		Read:     c.RateLimit.Read,
		Internal: c.RateLimit.Internal,
	}
}

// SessionLocation loads the trading session timezone.
func (c *Config) SessionLocation() (*time.Location, error) {
	if c.Trading.SessionTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Trading.SessionTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid trading.session_timezone %q: %w", c.Trading.SessionTimezone, err)
	}
	return loc, nil
}

// StaticPrices parses the seeded market prices.
func (c *Config) StaticPrices() (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(c.MarketData.Prices))
	for symbol, raw := range c.MarketData.Prices {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("invalid market_data.prices[%s] %q", symbol, raw)
		}
		prices[symbol] = p
	}
	return prices, nil
}

// MaxOrderQuantity parses trading.max_order_quantity; zero means unlimited.
func (c *Config) MaxOrderQuantity() (decimal.Decimal, error) {
	if c.Trading.MaxOrderQuantity == "" {
		return decimal.Zero, nil
	}
	q, err := decimal.NewFromString(c.Trading.MaxOrderQuantity)
	if err != nil || q.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid trading.max_order_quantity %q", c.Trading.MaxOrderQuantity)
	}
	return q, nil
}

// QuantityStep parses exchange.quantity_step.
func (c *Config) QuantityStep() (decimal.Decimal, error) {
	if c.Exchange.QuantityStep == "" {
		return decimal.NewFromInt(1), nil
	}
	q, err := decimal.NewFromString(c.Exchange.QuantityStep)
	if err != nil || !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid exchange.quantity_step %q", c.Exchange.QuantityStep)
	}
	return q, nil
}
