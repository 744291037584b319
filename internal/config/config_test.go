package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/pkg/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 100, cfg.Engine.MaxQueuedExecutions)
	assert.Equal(t, int64(30000), cfg.Engine.ModuleTimeoutMs)
	assert.Equal(t, "standard", cfg.Engine.DefaultTemplate)
	assert.Equal(t, 15*time.Minute, cfg.Engine.HistoryTTL)
	assert.True(t, cfg.Resolver.Enabled)
	assert.Equal(t, []string{"retry"}, cfg.Resolver.Strategies)
	assert.Equal(t, RetryConfig{MaxAttempts: 3, DelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 10000}, cfg.Resolver.Retry)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "mplp-coordinator", cfg.Tracing.ServiceName)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", `
log_level: debug
engine:
  max_concurrent_executions: 4
  max_queued_executions: 0
  history_ttl: 1h
resolver:
  strategies: [retry, manual_intervention]
  retry:
    max_attempts: 5
scheduler:
  tick_interval: 10s
  jobs:
    - id: nightly
      template: standard
      cron: "0 2 * * *"
      input:
        env: prod
    - template: fast_track
      cron: "@hourly"
      disabled: true
redis:
  enabled: true
  addr: redis:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 0, cfg.Engine.MaxQueuedExecutions)
	assert.Equal(t, time.Hour, cfg.Engine.HistoryTTL)
	assert.Equal(t, 5, cfg.Resolver.Retry.MaxAttempts)
	assert.Equal(t, int64(1000), cfg.Resolver.Retry.DelayMs, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)

	jobs := cfg.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "nightly", jobs[0].ID)
	assert.Equal(t, "0 2 * * *", jobs[0].CronExpression)
	assert.Equal(t, "prod", jobs[0].Input["env"])
	assert.True(t, jobs[0].Enabled)
	assert.False(t, jobs[1].Enabled)

	rc := cfg.ResolverOptions()
	assert.Equal(t, []resolver.Strategy{resolver.StrategyRetry, resolver.StrategyManualIntervention}, rc.Strategies)
	assert.Equal(t, 5, rc.RetryConfig.MaxAttempts)

	ec := cfg.EngineOptions()
	assert.Equal(t, 4, ec.MaxConcurrentExecutions)
	assert.Equal(t, "standard", ec.DefaultTemplate)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "coordinator.json", `{"engine": {"max_concurrent_executions": 4}}`)
	t.Setenv("COORDINATOR_ENGINE_MAX_CONCURRENT_EXECUTIONS", "7")
	t.Setenv("COORDINATOR_LOG_LEVEL", "warn")
	t.Setenv("COORDINATOR_RESOLVER_STRATEGIES", "skip,retry")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"skip", "retry"}, cfg.Resolver.Strategies)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad level":        "log_level: loud\n",
		"zero concurrent":  "engine:\n  max_concurrent_executions: 0\n",
		"bad strategy":     "resolver:\n  strategies: [retry, pray]\n",
		"redis no addr":    "redis:\n  enabled: true\n  addr: \"\"\n",
		"job without cron": "scheduler:\n  jobs:\n    - template: standard\n",
		"sample ratio":     "tracing:\n  sample_ratio: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", body))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestValidate_ReportsFields(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Engine.MaxConcurrentExecutions = 0
	cfg.Engine.DefaultTemplate = ""

	err = cfg.Validate()
	var cerr *schema.CoordinationError
	require.ErrorAs(t, err, &cerr)
	fields := cerr.Details["fields"].([]string)
	assert.Len(t, fields, 2)
	assert.Contains(t, cerr.Message, "Config.Engine.MaxConcurrentExecutions: failed gte=1")
	assert.Contains(t, cerr.Message, "Config.Engine.DefaultTemplate: failed required")
}
