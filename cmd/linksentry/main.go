// Package main wires together the link check service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/api"
	"github.com/avelieva/linksentry/internal/clock/system"
	"github.com/avelieva/linksentry/internal/config"
	"github.com/avelieva/linksentry/internal/engine/httpcheck"
	"github.com/avelieva/linksentry/internal/history"
	"github.com/avelieva/linksentry/internal/logging"
	"github.com/avelieva/linksentry/internal/manifest"
	"github.com/avelieva/linksentry/internal/metrics"
	"github.com/avelieva/linksentry/internal/orchestrator"
	"github.com/avelieva/linksentry/internal/sink"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	historyStore, err := history.Open(cfg.History.Path)
	if err != nil {
		logger.Fatal("open history store", zap.Error(err))
	}
	defer func() {
		if closeErr := historyStore.Close(); closeErr != nil {
			logger.Warn("close history store", zap.Error(closeErr))
		}
	}()

	registry := prometheus.NewRegistry()
	promSink, err := sink.NewPrometheusSink(registry)
	if err != nil {
		logger.Fatal("register metrics", zap.Error(err))
	}
	httpMetrics, err := metrics.NewHTTP(registry)
	if err != nil {
		logger.Fatal("register http metrics", zap.Error(err))
	}

	clock := system.New()
	engine := httpcheck.New(
		httpcheck.WithClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		httpcheck.WithUserAgent(cfg.HTTP.UserAgent),
		httpcheck.WithMaxBody(cfg.HTTP.MaxBodyBytes),
		httpcheck.WithClock(clock),
	)

	jobCfg := orchestrator.Config{
		DataDir:          cfg.Job.DataDir,
		DeleteOnComplete: cfg.Job.DeleteOnComplete,
		ClaimRetryWait:   cfg.ClaimRetryWait(),
	}
	jobs := orchestrator.NewRegistry(func(man manifest.Manifest) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(
			jobCfg,
			man,
			engine,
			historyStore,
			logger.Named("job"),
			orchestrator.WithClock(clock),
			orchestrator.WithSinks(
				promSink,
				sink.InvalidOnly(sink.NewLogSink(logger.Named("results"))),
			),
		)
	})

	apiServer := api.NewServer(jobs, historyStore, httpMetrics, registry, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Pause running jobs so their frontier stores settle before exit;
	// an unclean exit is still recoverable from the store itself.
	for _, st := range jobs.List(shutdownCtx) {
		if st.Phase != orchestrator.Running {
			continue
		}
		if o, err := jobs.Get(st.JobID); err == nil {
			if perr := o.Pause(shutdownCtx); perr != nil {
				logger.Warn("pause job on shutdown", zap.String("job_id", st.JobID), zap.Error(perr))
			}
		}
	}
	logger.Info("shutdown complete")
}
