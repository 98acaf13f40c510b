// Package config loads worker/scheduler configuration from a YAML file with
// environment-variable overrides, following the teacher's
// internal/config/config.go singleton-plus-overrides shape.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface from spec.md §6.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Database  DatabaseConfig  `yaml:"database"`
	Tiers     TiersConfig     `yaml:"tiers"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	Queue     QueueConfig     `yaml:"queue"`
	Eviction  EvictionConfig  `yaml:"eviction"`
}

// BrokerConfig is the broker RPC listen/connect surface.
type BrokerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SchedulerConfig is the scheduler<->worker RPC surface plus resource caps.
type SchedulerConfig struct {
	WorkerListenAddr string `yaml:"worker_listen_addr"`
	MaxResidentVMs   int    `yaml:"max_resident_vms"`
	MaxHeapBytes     uint64 `yaml:"max_heap_bytes"`
}

// MetricsConfig is the Prometheus exposition bind address.
type MetricsConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// DatabaseConfig is the timer/task store connection string.
type DatabaseConfig struct {
	ConnString string `yaml:"conn_string"`
}

// TierBudget is one premium tier's per-dispatch resource budget. Exact
// numbers are configuration per spec.md §9 — the defaults below are a
// conservative scaffold, not a specified requirement.
type TierBudget struct {
	WallClockMs          int    `yaml:"wall_clock_ms"`
	CPUBudgetMs          int    `yaml:"cpu_budget_ms"`
	MemoryHighWaterBytes uint64 `yaml:"memory_high_water_bytes"`
}

// TiersConfig maps each premium tier to its budget.
type TiersConfig struct {
	Free    TierBudget `yaml:"free"`
	Premium TierBudget `yaml:"premium"`
}

// AbuseConfig tunes the abuse-ledger thresholds (spec.md §3/§4.4).
type AbuseConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	LedgerCap     int `yaml:"ledger_cap"`
}

// QueueConfig bounds the per-tenant event queue (spec.md §5).
type QueueConfig struct {
	PerTenantDepth int `yaml:"per_tenant_depth"`
}

// EvictionConfig tunes idle-runner reclaim (spec.md §4.2).
type EvictionConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading CONFIG_PATH (default
// config.yaml) on first use and applying defaults/overrides.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env file", "error", err)
		}

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Broker.ListenAddr = getEnv("BL_BROKER_RPC_LISTEN_ADDR", c.Broker.ListenAddr)
	c.Scheduler.WorkerListenAddr = getEnv("BL_SCHEDULER_WORKER_RPC_ADDR", c.Scheduler.WorkerListenAddr)
	if v := getEnvInt("BL_MAX_RESIDENT_VMS", 0); v > 0 {
		c.Scheduler.MaxResidentVMs = v
	}
	c.Metrics.BindAddr = getEnv("BL_METRICS_BIND_ADDR", c.Metrics.BindAddr)
	c.Database.ConnString = getEnv("BL_DATABASE_URL", c.Database.ConnString)
	if v := getEnvInt("BL_ABUSE_WINDOW_SECONDS", 0); v > 0 {
		c.Abuse.WindowSeconds = v
	}
	if v := getEnvInt("BL_ABUSE_LEDGER_CAP", 0); v > 0 {
		c.Abuse.LedgerCap = v
	}
	if v := getEnvInt("BL_QUEUE_DEPTH", 0); v > 0 {
		c.Queue.PerTenantDepth = v
	}
	if v := getEnvInt("BL_IDLE_EVICTION_TIMEOUT_SECONDS", 0); v > 0 {
		c.Eviction.IdleTimeoutSeconds = v
	}
}

func (c *Config) applyDefaults() {
	if c.Broker.ListenAddr == "" {
		c.Broker.ListenAddr = "127.0.0.1:7480"
	}
	if c.Scheduler.WorkerListenAddr == "" {
		c.Scheduler.WorkerListenAddr = "127.0.0.1:7481"
	}
	if c.Scheduler.MaxResidentVMs == 0 {
		c.Scheduler.MaxResidentVMs = 2000
	}
	if c.Scheduler.MaxHeapBytes == 0 {
		c.Scheduler.MaxHeapBytes = 4 << 30 // 4 GiB
	}
	if c.Metrics.BindAddr == "" {
		c.Metrics.BindAddr = "0.0.0.0:7802"
	}
	if c.Tiers.Free.WallClockMs == 0 {
		c.Tiers.Free = TierBudget{WallClockMs: 150, CPUBudgetMs: 100, MemoryHighWaterBytes: 64 << 20}
	}
	if c.Tiers.Premium.WallClockMs == 0 {
		c.Tiers.Premium = TierBudget{WallClockMs: 1000, CPUBudgetMs: 750, MemoryHighWaterBytes: 256 << 20}
	}
	if c.Abuse.WindowSeconds == 0 {
		c.Abuse.WindowSeconds = 60
	}
	if c.Abuse.LedgerCap == 0 {
		c.Abuse.LedgerCap = 29
	}
	if c.Queue.PerTenantDepth == 0 {
		c.Queue.PerTenantDepth = 100
	}
	if c.Eviction.IdleTimeoutSeconds == 0 {
		c.Eviction.IdleTimeoutSeconds = 600
	}
}

// Budget returns the configured resource budget for a premium tier.
func (c *Config) Budget(premium bool) TierBudget {
	if premium {
		return c.Tiers.Premium
	}
	return c.Tiers.Free
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
