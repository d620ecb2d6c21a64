// Package config loads the broker's configuration: built-in defaults, then an
// optional YAML file, then BROKER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g.
// BROKER_DATABASE_DRIVER or BROKER_TRADING_LOT_SIZE.
const EnvPrefix = "BROKER"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Trading  TradingConfig  `yaml:"trading" envconfig:"TRADING"`
	Notify   NotifyConfig   `yaml:"notify" envconfig:"NOTIFY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver     string `yaml:"driver" envconfig:"DRIVER"`
	URL        string `yaml:"url" envconfig:"URL"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	Migrate    bool   `yaml:"migrate" envconfig:"MIGRATE"`
	// Seed optionally names a YAML fixture file of instruments and wallets
	// loaded at startup.
	Seed string `yaml:"seed" envconfig:"SEED"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url" envconfig:"URL"`
	TTL time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// AuthConfig configures bearer-token authentication and the market-data
// sync token.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" envconfig:"ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	SyncToken string        `yaml:"sync_token" envconfig:"SYNC_TOKEN"`
}

// TradingConfig contains order execution parameters.
type TradingConfig struct {
	LotSize          int64         `yaml:"lot_size" envconfig:"LOT_SIZE"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout" envconfig:"EXECUTION_TIMEOUT"`
	OrderRPS         float64       `yaml:"order_rps" envconfig:"ORDER_RPS"`
	OrderBurst       int           `yaml:"order_burst" envconfig:"ORDER_BURST"`
	Currency         string        `yaml:"currency" envconfig:"CURRENCY"`
}

// NotifyConfig sizes the post-trade notification pool and optionally
// configures outbound mail.
type NotifyConfig struct {
	Workers      int           `yaml:"workers" envconfig:"WORKERS"`
	QueueSize    int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	DrainTimeout time.Duration `yaml:"drain_timeout" envconfig:"DRAIN_TIMEOUT"`
	SMTP         SMTPConfig    `yaml:"smtp" envconfig:"SMTP"`
}

// SMTPConfig enables e-mail confirmations when Host is set.
type SMTPConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	From     string `yaml:"from" envconfig:"FROM"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// TracingConfig turns on the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
}

// Default returns the built-in configuration: in-memory storage, lots of
// 100 shares and a ten second execution budget.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:     DriverMemory,
			SQLitePath: "broker.db",
			Migrate:    true,
		},
		Redis: RedisConfig{TTL: 30 * time.Second},
		Auth: AuthConfig{
			Issuer:   "broker",
			TokenTTL: 24 * time.Hour,
		},
		Trading: TradingConfig{
			LotSize:          100,
			ExecutionTimeout: 10 * time.Second,
			OrderRPS:         5,
			OrderBurst:       10,
			Currency:         "RWF",
		},
		Notify: NotifyConfig{
			Workers:      4,
			QueueSize:    1024,
			DrainTimeout: 5 * time.Second,
			SMTP:         SMTPConfig{Port: 587},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "broker"},
	}
}

// Load builds the configuration. path may be empty; a non-empty path must
// name a readable YAML file. Environment variables win over the file, which
// wins over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Fields without a matching variable keep their current value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be one of memory, postgres, sqlite", c.Database.Driver))
	}
	if c.Redis.URL != "" && c.Database.Driver == DriverMemory {
		errs = append(errs, errors.New("redis cache requires a persistent database driver"))
	}

	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}

	if c.Trading.LotSize <= 0 {
		errs = append(errs, errors.New("trading.lot_size must be positive"))
	}
	if c.Trading.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("trading.execution_timeout must be positive"))
	}
	if c.Trading.OrderRPS <= 0 || c.Trading.OrderBurst <= 0 {
		errs = append(errs, errors.New("trading.order_rps and trading.order_burst must be positive"))
	}

	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		errs = append(errs, errors.New("notify.workers and notify.queue_size must be positive"))
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		errs = append(errs, errors.New("notify.smtp.from is required when smtp is enabled"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not recognised", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
