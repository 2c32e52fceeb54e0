// Command server starts the AI code evaluator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/engine/stub"
	httpserver "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/app"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/jobs"
	"github.com/fairyhunter13/ai-code-evaluator/internal/service/ratelimiter"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job, and stream instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool. The service stays up without one; terminal outcomes
	// then live only in the in-memory store until swept.
	ctx := context.Background()
	var evalRepo domain.EvaluationRepository
	var remRepo domain.RemediationRepository
	var dbCheck func(context.Context) error
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed; running without persistence", slog.Any("error", err))
		dbCheck = app.BuildDBCheck(nil)
	} else {
		evalRepo = postgres.NewEvaluationRepo(pool)
		remRepo = postgres.NewRemediationRepo(pool)
		dbCheck = app.BuildDBCheck(pool)
		if cfg.DataRetentionDays > 0 {
			cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
			go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
			slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
		}
	}

	// Engine. The real engine binds here via domain.Engine; until one is
	// configured the scripted stub serves dev and demo traffic.
	engine := stub.New()
	if cfg.IsProd() {
		slog.Warn("no evaluation engine configured; using deterministic stub")
	}

	storeOpts := jobs.StoreOptions{LogTailMax: cfg.LogTailMax, TTL: cfg.JobTTL, SweepInterval: cfg.SweepInterval}
	mgr := jobs.NewManager(engine, evalRepo, remRepo, jobs.ManagerOptions{
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		MaxQueueSize:        cfg.MaxQueueSize,
		SaveRetryMaxElapsed: cfg.SaveRetryMaxElapsed,
		Store:               storeOpts,
	})
	defer mgr.Shutdown()

	var remMgr *jobs.RemediationManager
	if cfg.EnableRemediation {
		remMgr = jobs.NewRemediationManager(engine, remRepo, jobs.RemediationManagerOptions{
			MaxQueueSize:        cfg.MaxQueueSize,
			SaveRetryMaxElapsed: cfg.SaveRetryMaxElapsed,
			Store:               storeOpts,
		})
		defer remMgr.Shutdown()
	}

	limiter := ratelimiter.NewDailyLimiter(cfg.DailyGitEvalLimit)
	batches := jobs.NewBatchManager(mgr, limiter)

	streamOpts := httpserver.StreamerOptions{Heartbeat: cfg.HeartbeatInterval, Retry: cfg.RetryDirective}
	evalStream := httpserver.NewStreamer(mgr, streamOpts)
	defer evalStream.Shutdown()
	var remStream *httpserver.Streamer
	if remMgr != nil {
		remStream = httpserver.NewStreamer(remMgr, httpserver.StreamerOptions{
			Heartbeat:      cfg.HeartbeatInterval,
			Retry:          cfg.RetryDirective,
			CompletedEvent: domain.EventRemediationCompleted,
			FailedEvent:    domain.EventRemediationFailed,
		})
		defer remStream.Shutdown()
	}

	srv := httpserver.NewServer(cfg, mgr, remMgr, batches, limiter, dbCheck, version)
	srv.Evals = evalRepo
	srv.Rems = remRepo
	handler := app.BuildRouter(cfg, srv, evalStream, remStream)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
