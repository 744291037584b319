// Package config loads coordinator settings from a file, COORDINATOR_*
// environment variables and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/internal/scheduler"
	"github.com/mplp/coordinator/pkg/schema"
)

// EnvPrefix prefixes every environment override, e.g.
// COORDINATOR_ENGINE_MAX_CONCURRENT_EXECUTIONS.
const EnvPrefix = "COORDINATOR"

// Config holds all coordinator configuration.
type Config struct {
	LogLevel       string          `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogDevelopment bool            `mapstructure:"log_development"`
	TemplatesDir   string          `mapstructure:"templates_dir"`
	Engine         EngineConfig    `mapstructure:"engine"`
	Resolver       ResolverConfig  `mapstructure:"resolver"`
	Scheduler      SchedulerConfig `mapstructure:"scheduler"`
	HTTP           HTTPConfig      `mapstructure:"http"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
	Tracing        TracingConfig   `mapstructure:"tracing"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions" validate:"gte=1"`
	MaxQueuedExecutions     int           `mapstructure:"max_queued_executions" validate:"gte=0"`
	ModuleTimeoutMs         int64         `mapstructure:"module_timeout_ms" validate:"gte=1"`
	DefaultTemplate         string        `mapstructure:"default_template" validate:"required"`
	HistoryTTL              time.Duration `mapstructure:"history_ttl" validate:"gte=0"`
}

type ResolverConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	Strategies []string    `mapstructure:"strategies" validate:"dive,oneof=retry skip rollback manual_intervention"`
	Retry      RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts" validate:"gte=0"`
	DelayMs           int64   `mapstructure:"delay_ms" validate:"gte=0"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" validate:"gte=0"`
	MaxDelayMs        int64   `mapstructure:"max_delay_ms" validate:"gte=0"`
}

type SchedulerConfig struct {
	TickInterval time.Duration    `mapstructure:"tick_interval" validate:"gte=0"`
	Jobs         []ScheduleConfig `mapstructure:"jobs" validate:"dive"`
}

// ScheduleConfig declares a template run on a cron schedule.
type ScheduleConfig struct {
	ID        string         `mapstructure:"id"`
	Template  string         `mapstructure:"template" validate:"required"`
	Cron      string         `mapstructure:"cron" validate:"required"`
	ContextID string         `mapstructure:"context_id"`
	Input     map[string]any `mapstructure:"input"`
	Disabled  bool           `mapstructure:"disabled"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

func setDefaults(v *viper.Viper) {
	rd := resolver.DefaultConfig()
	ed := engine.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("templates_dir", "")

	v.SetDefault("engine.max_concurrent_executions", ed.MaxConcurrentExecutions)
	v.SetDefault("engine.max_queued_executions", ed.MaxQueuedExecutions)
	v.SetDefault("engine.module_timeout_ms", ed.ModuleTimeoutMs)
	v.SetDefault("engine.default_template", ed.DefaultTemplate)
	v.SetDefault("engine.history_ttl", "15m")

	strategies := make([]string, len(rd.Strategies))
	for i, s := range rd.Strategies {
		strategies[i] = string(s)
	}
	v.SetDefault("resolver.enabled", rd.Enabled)
	v.SetDefault("resolver.strategies", strategies)
	v.SetDefault("resolver.retry.max_attempts", rd.RetryConfig.MaxAttempts)
	v.SetDefault("resolver.retry.delay_ms", rd.RetryConfig.DelayMs)
	v.SetDefault("resolver.retry.backoff_multiplier", rd.RetryConfig.BackoffMultiplier)
	v.SetDefault("resolver.retry.max_delay_ms", rd.RetryConfig.MaxDelayMs)

	v.SetDefault("scheduler.tick_interval", scheduler.DefaultTickInterval.String())

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "mplp")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mplp-coordinator")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads path (YAML, JSON or TOML by extension; empty means none),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read config %s: %s", path, err.Error()).WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode config: %s", err.Error()).WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithCause(err)
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s: failed %s", fe.Namespace(), tagWithParam(fe))
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid configuration: %s", strings.Join(fields, "; ")).
		WithDetails(map[string]any{"fields": fields}).
		WithCause(err)
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() engine.Config {
	return engine.Config{
		MaxConcurrentExecutions: c.Engine.MaxConcurrentExecutions,
		MaxQueuedExecutions:     c.Engine.MaxQueuedExecutions,
		ModuleTimeoutMs:         c.Engine.ModuleTimeoutMs,
		DefaultTemplate:         c.Engine.DefaultTemplate,
	}
}

// ResolverOptions converts the resolver section. Handlers are left for the
// caller to wire.
func (c *Config) ResolverOptions() resolver.Config {
	cfg := resolver.DefaultConfig()
	cfg.Enabled = c.Resolver.Enabled
	cfg.Strategies = make([]resolver.Strategy, 0, len(c.Resolver.Strategies))
	for _, s := range c.Resolver.Strategies {
		if st, ok := resolver.ParseStrategy(s); ok {
			cfg.Strategies = append(cfg.Strategies, st)
		}
	}
	cfg.RetryConfig = schema.RetryPolicy{
		MaxAttempts:       c.Resolver.Retry.MaxAttempts,
		DelayMs:           c.Resolver.Retry.DelayMs,
		BackoffMultiplier: c.Resolver.Retry.BackoffMultiplier,
		MaxDelayMs:        c.Resolver.Retry.MaxDelayMs,
	}
	return cfg
}

// Jobs converts the configured schedules.
func (c *Config) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, len(c.Scheduler.Jobs))
	for i, s := range c.Scheduler.Jobs {
		jobs[i] = scheduler.Job{
			ID:             s.ID,
			Template:       s.Template,
			CronExpression: s.Cron,
			ContextID:      s.ContextID,
			Input:          s.Input,
			Enabled:        !s.Disabled,
		}
	}
	return jobs
}
