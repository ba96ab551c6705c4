package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bot-farm/internal/adapters/repo"
	"bot-farm/internal/domain"
	"bot-farm/internal/infra/cache"
	"bot-farm/internal/infra/config"
	"bot-farm/internal/infra/db"
	httpinfra "bot-farm/internal/infra/http"
	loginfra "bot-farm/internal/infra/log"
	"bot-farm/internal/infra/metrics"
	"bot-farm/internal/infra/queue"
	"bot-farm/internal/usecase/broadcast"
	"bot-farm/internal/usecase/replies"
	"bot-farm/internal/usecase/stats"
)

func main() {
	cfg := config.Load()
	log := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("admin-api: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	repoAdapter := repo.NewPostgres(pool)
	cacheAdapter := cache.NewRedis(redisClient)

	var jobQueue domain.JobQueue
	if cfg.AMQP.URL != "" {
		rabbit, err := queue.NewRabbitJobQueue(cfg.AMQP.URL, cfg.Queues.Broadcast)
		if err != nil {
			log.Fatal().Err(err).Msg("admin-api: нет подключения к брокеру")
		}
		defer rabbit.Close()
		jobQueue = rabbit
	} else {
		jobQueue = queue.NewRedisJobQueue(redisClient, cfg.Queues.Broadcast)
	}

	// API только управляет жизненным циклом, доставку исполняет воркер,
	// поэтому пул доставки здесь не нужен.
	broadcastService := broadcast.NewService(repoAdapter, repoAdapter, repoAdapter, jobQueue, cacheAdapter, nil,
		log.With().Str("component", "broadcast").Logger(),
		broadcast.Options{
			WorkerName:  "admin-api",
			DefaultRate: cfg.Broadcast.DefaultRate,
			GlobalRate:  cfg.Broadcast.GlobalRate,
			BatchSize:   cfg.Broadcast.BatchSize,
		})

	repliesService := replies.NewService(repoAdapter, repoAdapter, repoAdapter,
		log.With().Str("component", "replies").Logger())
	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter)

	server := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	r := server.Router

	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.AdminAuthMiddleware(cfg.Admin.Token))

		protected.Post("/api/v1/broadcasts", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req createBroadcastRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			content := replies.ParseContent(req.Text)
			content.MediaType = req.MediaType
			content.MediaFileID = req.MediaFileID
			if content.Empty() {
				writeError(w, http.StatusBadRequest, "text or media is required")
				return
			}
			job, err := broadcastService.Start(r.Context(), domain.JobSpec{
				Target:        req.Target,
				Payload:       content,
				RatePerSecond: req.RatePerSecond,
				CreatedBy:     req.CreatedBy,
			})
			if errors.Is(err, broadcast.ErrNoRecipients) {
				writeError(w, http.StatusUnprocessableEntity, "no recipients matched the target")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("admin-api: запуск рассылки")
				writeError(w, http.StatusInternalServerError, "failed to start broadcast")
				return
			}
			writeJSON(w, job.Progress())
		})

		protected.Get("/api/v1/broadcasts/{id}", func(w http.ResponseWriter, r *http.Request) {
			progress, err := broadcastService.Status(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeJobError(w, log, err, "failed to read broadcast")
				return
			}
			writeJSON(w, progress)
		})

		protected.Post("/api/v1/broadcasts/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
			respondTransition(w, log, broadcastService.Pause(r.Context(), chi.URLParam(r, "id")))
		})

		protected.Post("/api/v1/broadcasts/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
			respondTransition(w, log, broadcastService.Resume(r.Context(), chi.URLParam(r, "id")))
		})

		protected.Post("/api/v1/broadcasts/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			respondTransition(w, log, broadcastService.Cancel(r.Context(), chi.URLParam(r, "id")))
		})

		protected.Get("/api/v1/bots/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
			if err := repliesService.EnsureFresh(r.Context()); err != nil {
				log.Error().Err(err).Msg("admin-api: обновление снапшота автоответов")
				writeError(w, http.StatusInternalServerError, "failed to refresh reply config")
				return
			}
			reply, ok, err := repliesService.ResolveForBot(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, domain.ErrBotNotFound) {
				writeError(w, http.StatusNotFound, "bot not found")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("admin-api: резолв автоответа")
				writeError(w, http.StatusInternalServerError, "failed to resolve reply")
				return
			}
			if !ok {
				writeJSON(w, map[string]any{"resolved": false})
				return
			}
			writeJSON(w, map[string]any{
				"resolved":       true,
				"scope":          reply.Scope.Kind,
				"text":           reply.Content.Text,
				"buttons":        reply.Content.Buttons,
				"media_type":     reply.Content.MediaType,
				"uses_variables": reply.UsesVariables,
			})
		})

		protected.Put("/api/v1/bots/{id}/reply-scope", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req replyScopeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			err := repoAdapter.SetBotReplyScope(r.Context(), chi.URLParam(r, "id"), req.UseGlobal, req.UseWorker)
			if errors.Is(err, domain.ErrBotNotFound) {
				writeError(w, http.StatusNotFound, "bot not found")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("admin-api: смена уровней автоответа")
				writeError(w, http.StatusInternalServerError, "failed to update reply scope")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		protected.Post("/api/v1/replies", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req publishReplyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			scope, err := req.Scope.toDomain()
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			content := replies.ParseContent(req.Text)
			content.MediaType = req.MediaType
			content.MediaFileID = req.MediaFileID
			if err := repliesService.Publish(r.Context(), scope, content, req.UsesVariables); err != nil {
				log.Error().Err(err).Msg("admin-api: публикация автоответа")
				writeError(w, http.StatusInternalServerError, "failed to publish reply")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		protected.Post("/api/v1/replies/disable", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req scopeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			scope, err := req.toDomain()
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := repliesService.Disable(r.Context(), scope); err != nil {
				log.Error().Err(err).Msg("admin-api: выключение автоответа")
				writeError(w, http.StatusInternalServerError, "failed to disable reply")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		protected.Get("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
			templates, err := repoAdapter.ListTemplates(r.Context())
			if err != nil {
				log.Error().Err(err).Msg("admin-api: выборка шаблонов")
				writeError(w, http.StatusInternalServerError, "failed to list templates")
				return
			}
			writeJSON(w, templates)
		})

		protected.Post("/api/v1/templates/{id}/apply", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req scopeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			scope, err := req.toDomain()
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			err = repliesService.ApplyTemplate(r.Context(), chi.URLParam(r, "id"), scope)
			if errors.Is(err, domain.ErrTemplateNotFound) {
				writeError(w, http.StatusNotFound, "template not found")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("admin-api: применение шаблона")
				writeError(w, http.StatusInternalServerError, "failed to apply template")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		protected.Get("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
			snapshot, err := statsService.Snapshot(r.Context())
			if err != nil {
				log.Error().Err(err).Msg("admin-api: сбор статистики")
				writeError(w, http.StatusInternalServerError, "failed to collect stats")
				return
			}
			writeJSON(w, snapshot)
		})
	})

	go func() {
		log.Info().Int("port", cfg.Port).Msg("admin-api: старт")
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin-api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("admin-api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

type createBroadcastRequest struct {
	Target        domain.TargetSelector `json:"target"`
	Text          string                `json:"text"`
	MediaType     string                `json:"media_type"`
	MediaFileID   string                `json:"media_file_id"`
	RatePerSecond int                   `json:"rate_per_second"`
	CreatedBy     int64                 `json:"created_by"`
}

type scopeRequest struct {
	Kind    string `json:"kind"`
	ShardID string `json:"shard_id"`
	BotID   string `json:"bot_id"`
}

func (s scopeRequest) toDomain() (domain.ReplyScope, error) {
	switch domain.ScopeKind(s.Kind) {
	case domain.ScopeGlobal:
		return domain.ReplyScope{Kind: domain.ScopeGlobal}, nil
	case domain.ScopeWorker:
		if s.ShardID == "" {
			return domain.ReplyScope{}, errors.New("shard_id is required for worker scope")
		}
		return domain.ReplyScope{Kind: domain.ScopeWorker, ShardID: s.ShardID}, nil
	case domain.ScopeBot:
		if s.BotID == "" {
			return domain.ReplyScope{}, errors.New("bot_id is required for bot scope")
		}
		return domain.ReplyScope{Kind: domain.ScopeBot, BotID: s.BotID}, nil
	default:
		return domain.ReplyScope{}, fmt.Errorf("unknown scope kind %q", s.Kind)
	}
}

type publishReplyRequest struct {
	Scope         scopeRequest `json:"scope"`
	Text          string       `json:"text"`
	MediaType     string       `json:"media_type"`
	MediaFileID   string       `json:"media_file_id"`
	UsesVariables bool         `json:"uses_variables"`
}

type replyScopeRequest struct {
	UseGlobal bool `json:"use_global"`
	UseWorker bool `json:"use_worker"`
}

func respondTransition(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"status": "ok"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "broadcast not found")
	case errors.Is(err, broadcast.ErrInvalidTransition), errors.Is(err, broadcast.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("admin-api: смена статуса рассылки")
		writeError(w, http.StatusInternalServerError, "failed to change broadcast status")
	}
}

func writeJobError(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	log.Error().Err(err).Msg("admin-api: чтение рассылки")
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
