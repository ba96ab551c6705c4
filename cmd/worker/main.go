package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"bot-farm/internal/adapters/repo"
	"bot-farm/internal/adapters/transport"
	"bot-farm/internal/domain"
	"bot-farm/internal/infra/cache"
	"bot-farm/internal/infra/config"
	"bot-farm/internal/infra/db"
	loginfra "bot-farm/internal/infra/log"
	"bot-farm/internal/infra/metrics"
	"bot-farm/internal/infra/queue"
	"bot-farm/internal/usecase/broadcast"
	"bot-farm/internal/usecase/health"
)

func main() {
	cfg := config.Load()
	log := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	repoAdapter := repo.NewPostgres(pool)
	cacheAdapter := cache.NewRedis(redisClient)
	telegramAdapter := transport.NewTelegram(cacheAdapter, log.With().Str("component", "telegram").Logger())

	var jobQueue domain.JobQueue
	if cfg.AMQP.URL != "" {
		rabbit, err := queue.NewRabbitJobQueue(cfg.AMQP.URL, cfg.Queues.Broadcast)
		if err != nil {
			log.Fatal().Err(err).Msg("worker: нет подключения к брокеру")
		}
		defer rabbit.Close()
		jobQueue = rabbit
	} else {
		jobQueue = queue.NewRedisJobQueue(redisClient, cfg.Queues.Broadcast)
	}

	deliveryPool := broadcast.NewPool(telegramAdapter, repoAdapter,
		log.With().Str("component", "delivery_pool").Logger(),
		broadcast.PoolConfig{
			Workers:     cfg.Broadcast.Workers,
			MaxAttempts: cfg.Broadcast.MaxAttempts,
		})

	broadcastService := broadcast.NewService(repoAdapter, repoAdapter, repoAdapter, jobQueue, cacheAdapter, deliveryPool,
		log.With().Str("component", "broadcast").Logger(),
		broadcast.Options{
			WorkerName:     cfg.WorkerName,
			DefaultRate:    cfg.Broadcast.DefaultRate,
			GlobalRate:     cfg.Broadcast.GlobalRate,
			BatchSize:      cfg.Broadcast.BatchSize,
			AcquireTimeout: cfg.Broadcast.AcquireTimeout,
			LeaseTTL:       cfg.Broadcast.LeaseTTL,
			SweepInterval:  cfg.Broadcast.SweepInterval,
		})

	healthService := health.NewService(repoAdapter, telegramAdapter,
		log.With().Str("component", "health").Logger(), cfg.Health.Interval)
	go healthService.Run(ctx)

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	log.Info().Str("worker", cfg.WorkerName).Msg("worker: старт")
	if err := broadcastService.RunLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker: цикл завершился ошибкой")
	}
	log.Info().Msg("worker: остановка")
}
