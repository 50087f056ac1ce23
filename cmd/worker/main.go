// Package main is the background worker: it runs the job scheduler and its
// worker pool, the outbox relayer, retention sweeps and the ops endpoints.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/workfabric/internal/adapter/broker/redisq"
	"github.com/fairyhunter13/workfabric/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/workfabric/internal/adapter/lock/redislock"
	"github.com/fairyhunter13/workfabric/internal/adapter/notifier"
	"github.com/fairyhunter13/workfabric/internal/adapter/platform"
	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/app"
	"github.com/fairyhunter13/workfabric/internal/capacity"
	"github.com/fairyhunter13/workfabric/internal/config"
	"github.com/fairyhunter13/workfabric/internal/export"
	"github.com/fairyhunter13/workfabric/internal/feedback"
	"github.com/fairyhunter13/workfabric/internal/notify"
	"github.com/fairyhunter13/workfabric/internal/observability"
	"github.com/fairyhunter13/workfabric/internal/outbox"
	"github.com/fairyhunter13/workfabric/internal/publish"
	"github.com/fairyhunter13/workfabric/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		// Tracing is best-effort; the worker runs without it.
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	heartbeat := observability.NewHeartbeat(cfg.HeartbeatPath, cfg.HeartbeatInterval)
	go heartbeat.Run(rootCtx)
	go serveOps(cfg, heartbeat)

	pool, err := postgres.NewPool(rootCtx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	broker := redisq.New(rdb)
	limiter := redisq.NewRateLimiter(rdb)
	locks := redislock.New(rdb)
	gate := capacity.New(pool, cfg.MaxActiveJobsPerOrg)

	saga := publish.New(pool, locks, gate)
	if cfg.PublishEndpoint != "" {
		saga.RegisterAdapter(platform.NewRESTPlatform(cfg.PublishPlatform, cfg.PublishEndpoint))
	}

	dispatcher := notify.NewDispatcher(pool)
	if cfg.WebhookEndpoint != "" {
		dispatcher.RegisterAdapter(notifier.NewWebhookNotifier(cfg.WebhookEndpoint))
	} else {
		dispatcher.RegisterAdapter(notifier.NewLogNotifier("webhook"))
	}
	dispatcher.RegisterAdapter(notifier.NewLogNotifier("email"))

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		slog.Error("export dir unavailable", slog.String("dir", cfg.ExportDir), slog.Any("error", err))
		return 1
	}

	registry := scheduler.NewRegistry()
	if err := app.RegisterJobs(registry, app.Deps{
		Saga:       saga,
		Dispatcher: dispatcher,
		Exporter:   export.NewExporter(pool, cfg.ExportDir),
		Ingestor:   feedback.NewIngestor(pool, cfg.EnableFeedbackIngest),
	}); err != nil {
		slog.Error("job registration failed", slog.Any("error", err))
		return 1
	}

	sched := scheduler.New(registry, broker, limiter, gate, cfg.WorkerConcurrency)
	if err := sched.StartWorkers(rootCtx); err != nil {
		slog.Error("worker pool start failed", slog.Any("error", err))
		return 1
	}

	if cfg.RecurringJobsFile != "" {
		jobs, err := scheduler.LoadRecurringJobs(cfg.RecurringJobsFile)
		if err != nil {
			slog.Error("recurring jobs load failed", slog.Any("error", err))
			return 1
		}
		runner, err := sched.StartRecurring(rootCtx, jobs)
		if err != nil {
			slog.Error("recurring jobs start failed", slog.Any("error", err))
			return 1
		}
		defer runner.Stop()
	}

	if len(cfg.KafkaBrokers) > 0 {
		bus, err := redpanda.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("event publisher init failed", slog.Any("error", err))
			return 1
		}
		defer func() { _ = bus.Close() }()
		go outbox.NewRelayer(pool, bus, cfg.OutboxRelayInterval).Run(rootCtx)
	} else {
		slog.Warn("no kafka brokers configured; outbox relay disabled")
	}

	go outbox.NewRetention(pool, cfg.OutboxMaxAge, cfg.DLQMaxAge, cfg.RetentionInterval).Run(rootCtx)

	slog.Info("worker started", slog.String("env", cfg.AppEnv))
	<-rootCtx.Done()
	slog.Info("signal received, shutting down")

	return awaitDrain(sched.Stop, cfg.ShutdownTimeout)
}

// awaitDrain runs stop and maps its outcome to the process exit code: 0 on a
// clean drain, 1 when the drain errors or outlives the deadline.
func awaitDrain(stop func() error, deadline time.Duration) int {
	done := make(chan error, 1)
	go func() { done <- stop() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Error("worker pool drain failed", slog.Any("error", err))
			return 1
		}
		slog.Info("worker stopped")
		return 0
	case <-time.After(deadline):
		slog.Error("shutdown deadline exceeded")
		return 1
	}
}

// serveOps exposes /metrics and /healthz on the metrics port. Health is the
// heartbeat file freshness, same signal the external probe uses.
func serveOps(cfg config.Config, hb *observability.Heartbeat) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !hb.Fresh(120 * time.Second) {
			http.Error(w, "stale heartbeat", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := ":" + strconv.Itoa(cfg.MetricsPort)
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("ops server error", slog.Any("error", err))
	}
}
