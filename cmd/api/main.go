package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mailtask/internal/attempt"
	"mailtask/internal/awsutil"
	"mailtask/internal/config"
	"mailtask/internal/httpserver"
	"mailtask/internal/logging"
	"mailtask/internal/observability"
	sqsqueue "mailtask/internal/queue/sqs"
	"mailtask/internal/service"
	"mailtask/internal/store/pg"
	"mailtask/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

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
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	awsCfg, err := awsutil.LoadConfig(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api aws config failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	machine := attempt.NewMachine(store, attempt.WithLogger(logger))
	producer := &sqsqueue.Producer{
		SQS:          awsutil.NewSQSClient(awsCfg, cfg.LocalstackEndpoint),
		QueueURL:     cfg.SQSQueueURL,
		FIFO:         cfg.SQSFIFO,
		GroupBuckets: cfg.SQSGroupBuckets,
	}

	svc := &service.AttemptService{
		Store:   store,
		Machine: machine,
		Queue:   producer,
		Clock:   util.SystemClock{},
		NewID:   util.NewAttemptID,
		Logger:  logger,
	}

	s := httpserver.New(2*time.Second, httpserver.DependencyCheck{Name: "db", Check: db.Ping})
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(observability.APIRequests),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort, prometheus.DefaultGatherer)

	srvErr := httpserver.Serve("api", srv)
	metricsErr := httpserver.Serve("metrics", metricsSrv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	case err := <-srvErr:
		if err != nil {
			slog.Error("api server failed", "err", err)
			exitCode = 1
		}
	case err := <-metricsErr:
		if err != nil {
			slog.Error("api metrics server failed", "err", err)
			exitCode = 1
		}
	}

	cancel()
	httpserver.Shutdown(10*time.Second, srv, metricsSrv)
	if exitCode != 0 {
		db.Close()
		os.Exit(exitCode)
	}
}
