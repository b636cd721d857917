package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"mailtask/internal/awsutil"
	"mailtask/internal/config"
	"mailtask/internal/httpserver"
	"mailtask/internal/lock"
	"mailtask/internal/logging"
	"mailtask/internal/observability"
	sqsqueue "mailtask/internal/queue/sqs"
	"mailtask/internal/scheduler"
	"mailtask/internal/store/pg"
	"mailtask/internal/util"
)

func main() {
	cfg := config.LoadScheduler()
	logger := logging.Init("scheduler", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	db, err := pg.NewPool(startupCtx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheck,
	})
	startupCancel()
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	awsCfg, err := awsutil.LoadConfig(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("scheduler aws config failed", "err", err)
		os.Exit(1)
	}

	// advisory locks get their own pool so held locks never starve queries
	var lockPool *pgxpool.Pool
	if lock.UsesDatabase(cfg.LockBackend) {
		lockPool, err = pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.LockPoolSize(),
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheck,
		})
		if err != nil {
			slog.Error("scheduler lock pool connect failed", "err", err)
			os.Exit(1)
		}
		defer lockPool.Close()
	}

	provider, lockCloser, err := lock.NewProvider(lock.BackendOptions{
		Backend:        cfg.LockBackend,
		RedisURL:       cfg.RedisURL,
		Pool:           lockPool,
		AcquireTimeout: cfg.LockAcquireTimeout,
	})
	if err != nil {
		slog.Error("scheduler lock backend init failed", "backend", cfg.LockBackend, "err", err)
		os.Exit(1)
	}
	defer lockCloser.Close()

	observability.Register(prometheus.DefaultRegisterer)

	scanner := &scheduler.Scanner{
		Store: pg.New(db),
		Queue: &sqsqueue.Producer{
			SQS:          awsutil.NewSQSClient(awsCfg, cfg.LocalstackEndpoint),
			QueueURL:     cfg.SQSQueueURL,
			FIFO:         cfg.SQSFIFO,
			GroupBuckets: cfg.SQSGroupBuckets,
		},
		Guard:     lock.NewGuard(provider, cfg.LockTTL, logger),
		Clock:     util.SystemClock{},
		BatchSize: cfg.ScanBatchSize,
		Logger:    logger,
	}

	s := httpserver.New(2*time.Second, httpserver.DependencyCheck{Name: "db", Check: db.Ping})
	httpserver.RegisterScan(s.Mux, scanner.RunScan)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(observability.APIRequests),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort, prometheus.DefaultGatherer)
	srvErr := httpserver.Serve("scheduler", srv)
	metricsErr := httpserver.Serve("metrics", metricsSrv)

	runErr := make(chan error, 1)
	go func() {
		slog.Info("scheduler starting", "interval", cfg.ScanInterval, "batch_size", cfg.ScanBatchSize)
		runErr <- scanner.Run(ctx, cfg.ScanInterval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	failed := false
	select {
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler loop failed", "err", err)
			failed = true
		}
	case err := <-srvErr:
		if err != nil {
			slog.Error("scheduler server failed", "err", err)
			failed = true
		}
	case err := <-metricsErr:
		if err != nil {
			slog.Error("scheduler metrics server failed", "err", err)
			failed = true
		}
	}

	cancel()
	httpserver.Shutdown(10*time.Second, srv, metricsSrv)
	if failed {
		_ = lockCloser.Close()
		if lockPool != nil {
			lockPool.Close()
		}
		db.Close()
		os.Exit(1)
	}
}
