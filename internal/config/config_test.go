package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BROKER_AUTH_JWT_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, int64(100), cfg.Trading.LotSize)
	assert.Equal(t, 10*time.Second, cfg.Trading.ExecutionTimeout)
	assert.Equal(t, 4, cfg.Notify.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
database:
  driver: sqlite
  sqlite_path: /tmp/broker-test.db
trading:
  lot_size: 50
  execution_timeout: 3s
auth:
  jwt_secret: from-file-secret-123
logging:
  level: debug
`)
	t.Setenv("BROKER_TRADING_LOT_SIZE", "10")
	t.Setenv("BROKER_LOGGING_FORMAT", "text")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "file value")
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/broker-test.db", cfg.Database.SQLitePath)
	assert.Equal(t, 3*time.Second, cfg.Trading.ExecutionTimeout)
	assert.Equal(t, int64(10), cfg.Trading.LotSize, "env wins over file")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "untouched default")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("BROKER_AUTH_JWT_SECRET", testSecret)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("BROKER_AUTH_JWT_SECRET", testSecret)
	t.Setenv("BROKER_TRADING_LOT_SIZE", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }, "database.driver"},
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.url"},
		{"redis over memory", func(c *Config) { c.Redis.URL = "redis://localhost:6379" }, "redis"},
		{"zero lot size", func(c *Config) { c.Trading.LotSize = 0 }, "lot_size"},
		{"no workers", func(c *Config) { c.Notify.Workers = 0 }, "notify.workers"},
		{"smtp without from", func(c *Config) { c.Notify.SMTP.Host = "smtp.example.com" }, "smtp.from"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = testSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
