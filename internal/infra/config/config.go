package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов фермы.
type AppConfig struct {
	AppEnv     string `envconfig:"APP_ENV" default:"dev"`
	TZ         string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port       int    `envconfig:"PORT" default:"8080"`
	WorkerName string `envconfig:"WORKER_NAME" default:"worker-1"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	Queues struct {
		Broadcast string `envconfig:"BROADCAST_QUEUE_KEY" default:"broadcast_jobs"`
	} `envconfig:""`

	Admin struct {
		Token string `envconfig:"ADMIN_API_TOKEN"`
	} `envconfig:""`

	Broadcast struct {
		DefaultRate    int           `envconfig:"BROADCAST_DEFAULT_RATE" default:"15"`
		GlobalRate     int           `envconfig:"BROADCAST_GLOBAL_RATE" default:"0"`
		BatchSize      int           `envconfig:"BROADCAST_BATCH_SIZE" default:"50"`
		Workers        int           `envconfig:"BROADCAST_WORKERS" default:"8"`
		MaxAttempts    int           `envconfig:"BROADCAST_MAX_ATTEMPTS" default:"3"`
		AcquireTimeout time.Duration `envconfig:"BROADCAST_ACQUIRE_TIMEOUT" default:"5s"`
		LeaseTTL       time.Duration `envconfig:"BROADCAST_LEASE_TTL" default:"30s"`
		SweepInterval  time.Duration `envconfig:"BROADCAST_SWEEP_INTERVAL" default:"10s"`
	} `envconfig:""`

	Health struct {
		Interval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"5m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
