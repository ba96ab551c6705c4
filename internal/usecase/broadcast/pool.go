package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// Task — одна отправка: получатель и уже подготовленное содержимое.
type Task struct {
	Position  int
	Bot       domain.Bot
	Recipient domain.JobRecipient
	Content   domain.Content
}

// Result — итог задачи. Для каждого получателя публикуется ровно один
// Result независимо от числа повторов.
type Result struct {
	Position int
	Outcome  domain.Outcome
	Err      error
}

// Resolved сообщает, получила ли задача терминальный исход. Ложный
// ответ означает, что отправку прервала остановка процесса: получатель
// остаётся необработанным и будет доотправлен после возобновления.
func (r Result) Resolved() bool { return r.Outcome != "" }

// PoolConfig настраивает пул доставки.
type PoolConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Pool — пул воркеров, выполняющих отправки с повторами и
// экспоненциальной задержкой для временных ошибок.
type Pool struct {
	transport  domain.Transport
	recipients domain.RecipientRepo
	log        zerolog.Logger
	cfg        PoolConfig
}

// NewPool создаёт пул доставки.
func NewPool(transport domain.Transport, recipients domain.RecipientRepo, logger zerolog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Pool{transport: transport, recipients: recipients, log: logger, cfg: cfg}
}

// Dispatch запускает воркеров над каналом задач и возвращает канал
// итогов. Канал итогов закрывается после обработки всех задач.
func (p *Pool) Dispatch(ctx context.Context, tasks <-chan Task) <-chan Result {
	results := make(chan Result)
	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			for task := range tasks {
				results <- p.process(ctx, task)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (p *Pool) process(ctx context.Context, task Task) Result {
	start := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		err := p.transport.Send(ctx, task.Bot, task.Recipient.ChatID, task.Content)
		if err == nil {
			return nil
		}
		var permanent *domain.PermanentError
		if errors.As(err, &permanent) {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			metrics.DeliveryRetriesTotal.Inc()
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialBackoff
	policy.MaxInterval = p.cfg.MaxBackoff
	bounded := backoff.WithMaxRetries(policy, uint64(p.cfg.MaxAttempts-1))

	err := backoff.Retry(operation, backoff.WithContext(bounded, ctx))
	metrics.BroadcastSendSeconds.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.ObserveOutcome(string(domain.OutcomeSent))
		return Result{Position: task.Position, Outcome: domain.OutcomeSent}
	}

	var permanent *domain.PermanentError
	if errors.As(err, &permanent) {
		if markErr := p.recipients.MarkInactive(ctx, task.Recipient.BotID, task.Recipient.ChatID); markErr != nil {
			p.log.Warn().Err(markErr).
				Str("bot", task.Recipient.BotID).
				Int64("chat", task.Recipient.ChatID).
				Msg("не удалось пометить получателя неактивным")
		}
	} else {
		if ctx.Err() != nil {
			// Остановка процесса — не отказ получателя: исход не
			// фиксируется, задача повторится после возобновления.
			return Result{Position: task.Position, Err: err}
		}
		p.log.Debug().Err(err).
			Str("bot", task.Recipient.BotID).
			Int64("chat", task.Recipient.ChatID).
			Int("attempts", attempt).
			Msg("доставка не удалась после повторов")
	}

	metrics.ObserveOutcome(string(domain.OutcomeFailed))
	return Result{Position: task.Position, Outcome: domain.OutcomeFailed, Err: err}
}
