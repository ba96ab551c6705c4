package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	BroadcastOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_outcomes_total",
		Help: "Итоги доставки по получателям",
	}, []string{"outcome"})

	BroadcastSendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_send_seconds",
		Help:    "Время одной отправки с учётом повторов",
		Buckets: prometheus.DefBuckets,
	})

	BroadcastActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_active_jobs",
		Help: "Количество рассылок, исполняемых этим воркером",
	})

	RateLimitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_rate_wait_seconds",
		Help:    "Ожидание токена лимитера перед отправкой",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	RateLimitRequeueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_rate_requeue_total",
		Help: "Задачи, вернувшиеся в очередь по таймауту лимитера",
	})

	DeliveryRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_delivery_retries_total",
		Help: "Повторы отправки после временных ошибок",
	})

	BotHealthErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_health_errors_total",
		Help: "Ошибки проверок здоровья ботов",
	})

	ReplyResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reply_resolutions_total",
		Help: "Резолвы автоответа по уровням",
	}, []string{"tier"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		BroadcastOutcomes,
		BroadcastSendSeconds,
		BroadcastActiveJobs,
		RateLimitWaitSeconds,
		RateLimitRequeueTotal,
		DeliveryRetriesTotal,
		BotHealthErrors,
		ReplyResolutions,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveOutcome увеличивает счётчик итогов доставки.
func ObserveOutcome(outcome string) {
	BroadcastOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveResolution отмечает, каким уровнем разрешился автоответ.
func ObserveResolution(tier string) {
	ReplyResolutions.WithLabelValues(tier).Inc()
}
