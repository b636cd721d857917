package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"mailtask/internal/archive"
	"mailtask/internal/attempt"
	"mailtask/internal/awsutil"
	"mailtask/internal/config"
	"mailtask/internal/delivery"
	"mailtask/internal/httpserver"
	"mailtask/internal/lock"
	"mailtask/internal/logging"
	"mailtask/internal/mailer"
	"mailtask/internal/observability"
	"mailtask/internal/providers/mailapi"
	sqsqueue "mailtask/internal/queue/sqs"
	"mailtask/internal/store/pg"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startupCancel()

	db, err := pg.NewPool(startupCtx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheck,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	awsCfg, err := awsutil.LoadConfig(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker aws config failed", "err", err)
		os.Exit(1)
	}
	sqsClient := awsutil.NewSQSClient(awsCfg, cfg.LocalstackEndpoint)

	queueReachable := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.SQSQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
	if err := queueReachable(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	// advisory locks get their own pool so held locks never starve queries
	var lockPool *pgxpool.Pool
	if lock.UsesDatabase(cfg.LockBackend) {
		lockPool, err = pg.NewPool(startupCtx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.LockPoolSize(),
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheck,
		})
		if err != nil {
			slog.Error("worker lock pool connect failed", "err", err)
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
		slog.Error("worker lock backend init failed", "backend", cfg.LockBackend, "err", err)
		os.Exit(1)
	}
	defer closeQuietly(lockCloser)

	observability.Register(prometheus.DefaultRegisterer)

	// delivery pipeline
	store := pg.New(db)
	machine := attempt.NewMachine(store, attempt.WithLogger(logger))

	registry := mailer.NewRegistry()
	registerMailers(registry, cfg.MailFrom)

	sender := &delivery.ResilientSender{
		Transport: &mailapi.Client{
			APIKey:  cfg.MailAPIKey,
			BaseURL: cfg.MailAPIBaseURL,
			HTTP:    &http.Client{Timeout: 10 * time.Second},
		},
		Limiter:    rate.NewLimiter(rate.Limit(cfg.MailRPSPerPod), cfg.MailBurst),
		Breaker:    delivery.NewBreaker("mailapi"),
		MaxRetries: cfg.MailMaxRetries,
		Timeout:    8 * time.Second,
		Logger:     logger,
	}

	persistPolicy, err := delivery.ParsePolicy(cfg.PersistErrorPolicy, logger)
	if err != nil {
		slog.Error("worker persist policy invalid", "err", err)
		os.Exit(1)
	}
	deliverPolicy, err := delivery.ParsePolicy(cfg.DeliverErrorPolicy, logger)
	if err != nil {
		slog.Error("worker deliver policy invalid", "err", err)
		os.Exit(1)
	}

	opts := []delivery.Option{
		delivery.WithPersistErrorPolicy(persistPolicy),
		delivery.WithDeliverErrorPolicy(deliverPolicy),
		delivery.WithLogger(logger),
	}
	if cfg.ArchiveBucket != "" {
		opts = append(opts, delivery.WithArchiver(&archive.S3Archiver{
			Client: awsutil.NewS3Client(awsCfg, cfg.LocalstackEndpoint),
			Bucket: cfg.ArchiveBucket,
			Prefix: cfg.ArchivePrefix,
		}))
	} else {
		slog.Warn("archive bucket not configured, persisted deliveries will fail")
	}

	job := &delivery.Job{
		Guard:  lock.NewGuard(provider, cfg.LockTTL, logger),
		Runner: delivery.NewExecutor(machine, registry, sender, opts...),
		Logger: logger,
	}

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
		Logger:            logger,
	}

	// health + metrics
	health := httpserver.New(2*time.Second,
		httpserver.DependencyCheck{Name: "db", Check: db.Ping},
		httpserver.DependencyCheck{Name: "sqs", Check: queueReachable},
	)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(health.Mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort, prometheus.DefaultGatherer)
	healthErrCh := httpserver.Serve("worker-health", healthSrv)
	metricsErrCh := httpserver.Serve("metrics", metricsSrv)

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL, "lock_backend", cfg.LockBackend)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, j sqsqueue.DeliveryJob) (err error) {
			start := time.Now()
			defer func() {
				if err != nil {
					slog.Info("worker job finish",
						"attempt_id", j.AttemptID,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
				} else {
					slog.Debug("worker job finish",
						"attempt_id", j.AttemptID,
						"status", "ok",
						"duration", time.Since(start),
					)
				}
			}()
			return job.Perform(ctx, j.AttemptID)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	pollDone := false
	select {
	case err := <-pollErrCh:
		pollDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			exitCode = 1
		}
	case err := <-healthErrCh:
		if err != nil {
			slog.Error("worker health server failed", "err", err)
			exitCode = 1
		}
	case err := <-metricsErrCh:
		if err != nil {
			slog.Error("worker metrics server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()
	httpserver.Shutdown(10*time.Second, healthSrv, metricsSrv)

	if !pollDone {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("worker shutdown timeout waiting for poll loop")
		}
	}

	if exitCode != 0 {
		closeQuietly(lockCloser)
		if lockPool != nil {
			lockPool.Close()
		}
		db.Close()
		os.Exit(exitCode)
	}
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "err", err)
	}
}
