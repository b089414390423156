// Package config loads service settings from YAML with environment
// overrides and hot-reloads them on file change.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/automation/internal/logger"
)

// Config is the top-level YAML structure.
type Config struct {
	Server   ServerConf   `yaml:"server"`
	Database DatabaseConf `yaml:"database"`
	Redis    RedisConf    `yaml:"redis"`
	Worker   WorkerConf   `yaml:"worker"`
	SLA      SLAConf      `yaml:"sla"`
	Actions  ActionsConf  `yaml:"actions"`
	Log      LogConf      `yaml:"log"`
}

type ServerConf struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// EmbeddedWorkers runs the action worker pool inside the API process.
	EmbeddedWorkers bool `yaml:"embedded_workers"`
}

type DatabaseConf struct {
	// URL selects Postgres. Empty runs every store in memory.
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

type RedisConf struct {
	// URL enables the shared rules cache. Empty keeps a per-process cache.
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// WorkerConf holds the tunables of the action worker pool.
type WorkerConf struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Lease         time.Duration `yaml:"lease"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	ClaimRate     float64       `yaml:"claim_rate"`
	ClaimBurst    int           `yaml:"claim_burst"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	// Tenant pins the pool to one tenant. Empty serves all tenants.
	Tenant string `yaml:"tenant"`
}

type SLAConf struct {
	// SweepInterval is how often open tickets are checked for breaches.
	// Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ActionsConf struct {
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type LogConf struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConf{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			EmbeddedWorkers: true,
		},
		Database: DatabaseConf{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			AutoMigrate:  true,
		},
		Redis: RedisConf{CacheTTL: time.Minute},
		Worker: WorkerConf{
			Workers:       4,
			BatchSize:     10,
			PollInterval:  time.Second,
			Lease:         6 * time.Minute,
			ActionTimeout: 30 * time.Second,
			ReapInterval:  30 * time.Second,
			ClaimRate:     20,
			ClaimBurst:    5,
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Minute,
		},
		SLA:     SLAConf{SweepInterval: time.Minute},
		Actions: ActionsConf{WebhookTimeout: 10 * time.Second},
		Log:     LogConf{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Port = v
	}
	if v, ok := lookup("REDIS_URL"); ok {
		c.Redis.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKERS must be an integer, got %q", v)
		}
		c.Worker.Workers = n
	}
	if v, ok := lookup("WORKER_TENANT"); ok {
		c.Worker.Tenant = v
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Port == "" {
		errs = append(errs, "server.port is required")
	}
	if c.Worker.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("worker.workers must be positive, got %d", c.Worker.Workers))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("worker.batch_size must be positive, got %d", c.Worker.BatchSize))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, "worker.poll_interval must be positive")
	}
	if c.Worker.ActionTimeout <= 0 {
		errs = append(errs, "worker.action_timeout must be positive")
	}
	if c.Worker.Lease <= c.Worker.ActionTimeout {
		errs = append(errs, fmt.Sprintf("worker.lease (%s) must exceed worker.action_timeout (%s)", c.Worker.Lease, c.Worker.ActionTimeout))
	} else if c.Worker.ActionTimeout > 0 && time.Duration(c.Worker.BatchSize)*c.Worker.ActionTimeout >= c.Worker.Lease {
		errs = append(errs, fmt.Sprintf("worker.lease (%s) must exceed worker.batch_size (%d) x worker.action_timeout (%s)",
			c.Worker.Lease, c.Worker.BatchSize, c.Worker.ActionTimeout))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Sprintf("worker.max_attempts must be positive, got %d", c.Worker.MaxAttempts))
	}
	if c.Worker.BaseDelay <= 0 || c.Worker.MaxDelay < c.Worker.BaseDelay {
		errs = append(errs, "worker.base_delay must be positive and not exceed worker.max_delay")
	}
	if c.Worker.ClaimRate < 0 {
		errs = append(errs, "worker.claim_rate must not be negative")
	}
	if c.SLA.SweepInterval < 0 {
		errs = append(errs, "sla.sweep_interval must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if len(errs) > 0 {
		return errors.New("config validation errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
