package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Driver != DriverRedis {
		t.Errorf("Storage.Driver = %q, want redis", cfg.Storage.Driver)
	}
	if cfg.Storage.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Storage.Redis.Addr = %q", cfg.Storage.Redis.Addr)
	}
	if cfg.Storage.Redis.LockTTL != 10*time.Second {
		t.Errorf("Storage.Redis.LockTTL = %v, want 10s", cfg.Storage.Redis.LockTTL)
	}
	if cfg.Storage.Redis.PoolSize != 10 {
		t.Errorf("Storage.Redis.PoolSize = %d, want default 10", cfg.Storage.Redis.PoolSize)
	}
	if cfg.Engine.MaxHops != 8 || cfg.Engine.NodeID != 3 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Events.BufferSize != 500 {
		t.Errorf("Events.BufferSize = %d, want 500", cfg.Events.BufferSize)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if roles := cfg.Identity.Roles["maria"]; len(roles) != 2 || roles[0] != "manager" {
		t.Errorf("Identity.Roles[maria] = %v", roles)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown driver should return error")
	}
}

func TestLoad_empty_path(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestLoad_env_overrides(t *testing.T) {
	t.Setenv("BIZFLOW_STORAGE_DRIVER", "mysql")
	t.Setenv("BIZFLOW_MYSQL_ADDR", "db.internal:3306")
	t.Setenv("BIZFLOW_ENGINE_MAX_HOPS", "4")
	t.Setenv("BIZFLOW_LOG_LEVEL", "warn")
	t.Setenv("BIZFLOW_SCHEDULER_ENABLED", "false")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != DriverMySQL {
		t.Errorf("Storage.Driver = %q, want mysql", cfg.Storage.Driver)
	}
	if cfg.Storage.MySQL.Addr != "db.internal:3306" {
		t.Errorf("Storage.MySQL.Addr = %q", cfg.Storage.MySQL.Addr)
	}
	if cfg.Engine.MaxHops != 4 {
		t.Errorf("Engine.MaxHops = %d, want 4", cfg.Engine.MaxHops)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled = true, want false")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.MaxHops != 32 {
		t.Errorf("default Engine.MaxHops = %d, want 32", cfg.Engine.MaxHops)
	}
	if cfg.Storage.Redis.LockTTL != 30*time.Second {
		t.Errorf("default Redis.LockTTL = %v, want 30s", cfg.Storage.Redis.LockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
