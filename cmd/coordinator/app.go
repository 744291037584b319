package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/conditions"
	"github.com/mplp/coordinator/internal/config"
	"github.com/mplp/coordinator/internal/engine"
	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/history"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/internal/notify"
	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/internal/telemetry"
	"github.com/mplp/coordinator/internal/templates"
)

// app is the wired coordinator with the sinks around it.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	hub       *events.Hub
	templates *templates.Registry
	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	redis     *redis.Client
	resolver  *resolver.Manager
	orch      engine.Orchestrator

	closers []func(context.Context) error
}

// buildApp wires every component from cfg. Stage modules are passthroughs;
// real modules register over them with RegisterModule.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, hub: events.NewHub(logger.Named("events"))}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.metrics, err = telemetry.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	tracer, shutdownTracing, err := telemetry.NewTracer(ctx, telemetry.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracing)

	emitters := events.Multi{a.hub, a.metrics}
	handlers := []resolver.NotificationHandler{notify.LogHandler(logger)}
	if cfg.Redis.Enabled {
		a.redis, err = notify.NewRedisClient(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		sink := notify.NewRedisSink(a.redis, cfg.Redis.Prefix, logger)
		a.closers = append(a.closers, sink.Close)
		emitters = append(emitters, sink)
		handlers = append(handlers, sink.Notify)
	}

	cond, err := conditions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	a.templates = templates.NewRegistry(cond, logger.Named("templates"))
	if cfg.TemplatesDir != "" {
		loader, err := templates.NewLoader(cond)
		if err != nil {
			return nil, err
		}
		if _, err := loader.LoadDir(cfg.TemplatesDir, a.templates); err != nil {
			return nil, err
		}
	}

	rcfg := cfg.ResolverOptions()
	rcfg.NotificationHandler = notify.Fanout(handlers...)
	rcfg.PerformanceMonitor = a.metrics.Observe
	a.resolver, err = resolver.New(rcfg, emitters, logger)
	if err != nil {
		return nil, err
	}

	a.orch, err = engine.New(engine.Options{
		Config:             cfg.EngineOptions(),
		Templates:          a.templates,
		Resolver:           a.resolver,
		Conditions:         cond,
		Emitter:            emitters,
		PerformanceMonitor: a.metrics.Observe,
		History:            history.New(cfg.Engine.HistoryTTL, history.DefaultCleanupInterval),
		Tracer:             tracer,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range modules.PassthroughSet() {
		if err := a.orch.RegisterModule(ctx, m); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// close shuts the orchestrator down and releases every resource, in
// reverse order of creation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Shutdown(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}
