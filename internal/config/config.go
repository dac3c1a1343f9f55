package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LockAdvisory = "advisory"
	LockTable    = "table"
	LockRedis    = "redis"
)

type Config struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	Dir             string `yaml:"dir"`
	JSON            bool   `yaml:"json"`
	DryRun          bool   `yaml:"dry_run"`
	LockTimeoutSec  int    `yaml:"lock_timeout_sec"`
	MigrationsTable string `yaml:"migrations_table"`
	AppliedBy       string `yaml:"applied_by"`

	// LockBackend is one of advisory, table or redis. Empty picks advisory
	// for mysql/postgres and table for sqlite.
	LockBackend string `yaml:"lock_backend"`
	RedisAddr   string `yaml:"redis_addr"`
	LockTTLSec  int    `yaml:"lock_ttl_sec"`

	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	PushgatewayURL string `yaml:"pushgateway_url"`
}

func Default() *Config {
	return &Config{
		Driver:          "mysql",
		Dir:             "./migrations",
		LockTimeoutSec:  30,
		LockTTLSec:      60,
		MigrationsTable: "schema_changelog",
		LogLevel:        "info",
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MergeEnv(cfg *Config) *Config {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("LOCK_TIMEOUT_SEC"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = i
		}
	}
	if v := os.Getenv("MIGRATIONS_TABLE"); v != "" {
		cfg.MigrationsTable = v
	}
	if v := os.Getenv("APPLIED_BY"); v != "" {
		cfg.AppliedBy = v
	}
	if v := os.Getenv("LOCK_BACKEND"); v != "" {
		cfg.LockBackend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.PushgatewayURL = v
	}
	return cfg
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// LockTTL bounds how long a redis lock survives a crashed holder.
func (c *Config) LockTTL() time.Duration {
	if c.LockTTLSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.LockTTLSec) * time.Second
}

// ResolvedLockBackend fills in the per-driver default.
func (c *Config) ResolvedLockBackend() string {
	if c.LockBackend != "" {
		return c.LockBackend
	}
	if c.Driver == "sqlite" {
		return LockTable
	}
	return LockAdvisory
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported driver %q (want mysql, postgres or sqlite)", c.Driver)
	}
	if c.MigrationsTable == "" {
		return errors.New("migrations table name is empty")
	}
	switch c.ResolvedLockBackend() {
	case LockAdvisory:
		if c.Driver == "sqlite" {
			return errors.New("sqlite has no advisory locks; use lock_backend table or redis")
		}
	case LockTable:
	case LockRedis:
		if c.RedisAddr == "" {
			return errors.New("lock_backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unsupported lock backend %q", c.LockBackend)
	}
	return nil
}
