// Package config loads bizflow configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/bizflow/storage"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
)

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Events    EventsConfig    `yaml:"events"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Identity  IdentityConfig  `yaml:"identity"`
	Logging   LoggingConfig   `yaml:"logging"`
	// Catalog is a YAML file of definitions installed at startup.
	Catalog string `yaml:"catalog"`
}

// StorageConfig selects and configures the workflow store.
type StorageConfig struct {
	Driver string               `yaml:"driver"`
	Redis  storage.RedisOptions `yaml:"redis"`
	MySQL  storage.MySQLOptions `yaml:"mysql"`
	// Migrate creates the MySQL tables on startup.
	Migrate bool `yaml:"migrate"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	MaxHops int `yaml:"max_hops"`
	// NodeID is the snowflake machine id.
	NodeID uint16 `yaml:"node_id"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// SchedulerConfig controls cron-started definitions.
type SchedulerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Timezone   string        `yaml:"timezone"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// IdentityConfig seeds the static identity provider.
type IdentityConfig struct {
	Strict bool                `yaml:"strict"`
	Roles  map[string][]string `yaml:"roles"`
}

// LoggingConfig describes the logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: storage.RedisOptions{
				Addr:      "localhost:6379",
				PoolSize:  10,
				LockTTL:   30 * time.Second,
				LockRetry: 20 * time.Millisecond,
			},
			MySQL: storage.MySQLOptions{
				Addr:            "localhost:3306",
				User:            "root",
				Database:        "bizflow",
				MaxOpenConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Engine: EngineConfig{MaxHops: 32, NodeID: 1},
		Events: EventsConfig{BufferSize: 100, SyncTimeout: 5 * time.Second},
		Scheduler: SchedulerConfig{
			Timezone:   "UTC",
			RunTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, applies environment overrides and
// validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required")
		}
	case DriverMySQL:
		if c.Storage.MySQL.Addr == "" || c.Storage.MySQL.Database == "" {
			errs = append(errs, "storage.mysql.addr and storage.mysql.database are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, redis, mysql", c.Storage.Driver))
	}
	if c.Engine.MaxHops < 1 {
		errs = append(errs, "engine.max_hops must be positive")
	}
	if c.Engine.NodeID > 1023 {
		errs = append(errs, "engine.node_id must be below 1024")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads BIZFLOW_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BIZFLOW_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("BIZFLOW_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("BIZFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("BIZFLOW_MYSQL_ADDR"); v != "" {
		cfg.Storage.MySQL.Addr = v
	}
	if v := os.Getenv("BIZFLOW_MYSQL_USER"); v != "" {
		cfg.Storage.MySQL.User = v
	}
	if v := os.Getenv("BIZFLOW_MYSQL_PASSWORD"); v != "" {
		cfg.Storage.MySQL.Password = v
	}
	if v := os.Getenv("BIZFLOW_MYSQL_DATABASE"); v != "" {
		cfg.Storage.MySQL.Database = v
	}
	if v := os.Getenv("BIZFLOW_ENGINE_MAX_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxHops = n
		}
	}
	if v := os.Getenv("BIZFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BIZFLOW_CATALOG"); v != "" {
		cfg.Catalog = v
	}
	if v := os.Getenv("BIZFLOW_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = b
		}
	}
}
