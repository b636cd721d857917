package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN                 string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns        int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns        int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheck     time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWSConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	SQSFIFO            bool   `envconfig:"SQS_FIFO" default:"false"`
	SQSGroupBuckets    int    `envconfig:"SQS_GROUP_BUCKETS" default:"64"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type LockConfig struct {
	// LockBackend is "redis" or "postgres".
	LockBackend string        `envconfig:"LOCK_BACKEND" default:"postgres"`
	RedisURL    string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"5m"`

	// Postgres advisory locks pin one connection per held lock, so they get
	// their own pool. Zero sizes it from the binary's concurrency.
	LockDBPoolMaxConns int32         `envconfig:"LOCK_DB_POOL_MAX_CONNS" default:"0"`
	LockAcquireTimeout time.Duration `envconfig:"LOCK_ACQUIRE_TIMEOUT" default:"5s"`
}

func (c LockConfig) usesDatabase() bool {
	b := strings.ToLower(strings.TrimSpace(c.LockBackend))
	return b == "" || b == "postgres"
}

type APIConfig struct {
	DBConfig
	AWSConfig
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type WorkerConfig struct {
	DBConfig
	AWSConfig
	LockConfig
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Mail API
	MailAPIBaseURL string  `envconfig:"MAIL_API_BASE_URL" default:"https://api.sendgrid.com"`
	MailAPIKey     string  `envconfig:"MAIL_API_KEY" required:"true"`
	MailFrom       string  `envconfig:"MAIL_FROM" required:"true"`
	MailRPSPerPod  float64 `envconfig:"MAIL_RPS_PER_POD" default:"5"`
	MailBurst      int     `envconfig:"MAIL_BURST" default:"10"`
	MailMaxRetries int     `envconfig:"MAIL_MAX_RETRIES" default:"2"`

	// Archive is disabled when ARCHIVE_BUCKET is empty.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`
	ArchivePrefix string `envconfig:"ARCHIVE_PREFIX" default:"delivered/"`

	// "propagate" or "swallow". Swallowing delivery failures leaves the
	// attempt pending with no failure recorded until the next scan.
	PersistErrorPolicy string `envconfig:"PERSIST_ERROR_POLICY" default:"propagate"`
	DeliverErrorPolicy string `envconfig:"DELIVER_ERROR_POLICY" default:"propagate"`
}

type SchedulerConfig struct {
	DBConfig
	AWSConfig
	LockConfig
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	ScanInterval  time.Duration `envconfig:"SCAN_INTERVAL" default:"1m"`
	ScanBatchSize int           `envconfig:"SCAN_BATCH_SIZE" default:"500"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects a lock pool that cannot hold one lock per worker.
func (c WorkerConfig) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.usesDatabase() && c.LockDBPoolMaxConns > 0 && int(c.LockDBPoolMaxConns) < c.WorkerConcurrency {
		return fmt.Errorf("LOCK_DB_POOL_MAX_CONNS (%d) must be at least WORKER_CONCURRENCY (%d)",
			c.LockDBPoolMaxConns, c.WorkerConcurrency)
	}
	return nil
}

// LockPoolSize is the advisory lock pool size: one connection per worker
// plus one spare.
func (c WorkerConfig) LockPoolSize() int32 {
	if c.LockDBPoolMaxConns > 0 {
		return c.LockDBPoolMaxConns
	}
	return int32(c.WorkerConcurrency) + 1
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// LockPoolSize covers the scan lock held by the ticker and one manual trigger.
func (c SchedulerConfig) LockPoolSize() int32 {
	if c.LockDBPoolMaxConns > 0 {
		return c.LockDBPoolMaxConns
	}
	return 2
}
