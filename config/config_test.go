package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "PORT", "REDIS_URL", "LOG_LEVEL", "WORKERS", "WORKER_TENANT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, `
server:
  port: "9090"
worker:
  workers: 8
  lease: 8m
  claim_rate: 50
sla:
  sweep_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Worker.Workers)
	assert.Equal(t, 8*time.Minute, cfg.Worker.Lease)
	assert.Equal(t, 50.0, cfg.Worker.ClaimRate)
	assert.Equal(t, 30*time.Second, cfg.SLA.SweepInterval)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, "server:\n  port: \"9090\"\n")
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://localhost/automation")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WORKERS", "12")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/automation", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 12, cfg.Worker.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestBadWorkersEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKERS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERS")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = ""
	cfg.Worker.Workers = 0
	cfg.Worker.Lease = time.Second
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"server.port", "worker.workers", "worker.lease", "log.level"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestValidateLeaseCoversBatch(t *testing.T) {
	cfg := Default()
	cfg.Worker.BatchSize = 10
	cfg.Worker.ActionTimeout = 30 * time.Second
	cfg.Worker.Lease = time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.batch_size")

	cfg.Worker.Lease = 301 * time.Second
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, "worker: [oops")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, "worker:\n  batch_size: 10\n")

	l, err := NewLoader(path)
	require.NoError(t, err)

	var seen atomic.Int32
	l.OnChange(func(c *Config) { seen.Store(int32(c.Worker.BatchSize)) })

	writeFile(t, path, "worker:\n  batch_size: 25\n")
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, int32(25), seen.Load())
	assert.Equal(t, 25, l.Config().Worker.BatchSize)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, "worker:\n  batch_size: 10\n")
	l, err := NewLoader(path)
	require.NoError(t, err)

	writeFile(t, path, "worker:\n  batch_size: -1\n")
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, 10, l.Config().Worker.BatchSize)
}

func TestWatchPicksUpWrites(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "automation.yaml")
	writeFile(t, path, "worker:\n  workers: 2\n")
	l, err := NewLoader(path)
	require.NoError(t, err)

	var workers atomic.Int32
	l.OnChange(func(c *Config) { workers.Store(int32(c.Worker.Workers)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	writeFile(t, path, "worker:\n  workers: 6\n")
	require.Eventually(t, func() bool { return workers.Load() == 6 }, 5*time.Second, 20*time.Millisecond)
}
