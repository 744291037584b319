package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/api"
	"github.com/mplp/coordinator/internal/scheduler"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API, scheduler and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.HTTP.Addr = addr
			}
			return serve(c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override the API listen address")
	return cmd
}

func serve(c *cli) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := c.logger

	a, err := buildApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}

	jobs := scheduler.NewMemoryStore()
	sched := scheduler.NewScheduler(jobs, scheduler.OrchestratorRunner{Orchestrator: a.orch},
		c.cfg.Scheduler.TickInterval, logger.Named("scheduler"))
	for _, job := range c.cfg.Jobs() {
		if _, err := sched.AddJob(ctx, job); err != nil {
			_ = a.close(context.Background())
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return err
	}

	deps := api.Deps{
		Orchestrator: a.orch,
		Hub:          a.hub,
		Scheduler:    sched,
		Jobs:         jobs,
		Logger:       logger,
	}
	servers := []*http.Server{{
		Addr:              c.cfg.HTTP.Addr,
		Handler:           api.NewServer(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if c.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              c.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	errs = append(errs, err)
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, sched.Stop(), a.close(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}
