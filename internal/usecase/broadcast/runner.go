package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
	"bot-farm/internal/usecase/replies"
)

type runnerConfig struct {
	Owner          string
	BatchSize      int
	GlobalRate     int
	AcquireTimeout time.Duration
	LeaseTTL       time.Duration
}

// runner исполняет одну рассылку от персистентного курсора до конца
// снапшота. Статус перечитывается на границе каждого батча, поэтому
// внешние pause/cancel наблюдаются с задержкой не больше одного батча.
type runner struct {
	jobs  domain.JobRepo
	bots  domain.BotRepo
	owner domain.OwnerRegistry
	pool  *Pool
	log   zerolog.Logger
	cfg   runnerConfig
}

func (r *runner) run(ctx context.Context, jobID string) error {
	acquired, err := r.owner.Acquire(ctx, jobID, r.cfg.Owner, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("захват владения задачей: %w", err)
	}
	if !acquired {
		holder, _ := r.owner.Holder(ctx, jobID)
		r.log.Info().Str("job", jobID).Str("holder", holder).Msg("задача уже исполняется другим воркером")
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.owner.Release(releaseCtx, jobID, r.cfg.Owner)
	}()

	metrics.BroadcastActiveJobs.Inc()
	defer metrics.BroadcastActiveJobs.Dec()

	botCache := make(map[string]domain.Bot)
	var limiter *Limiter

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := r.jobs.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("чтение задачи: %w", err)
		}
		if job.Status != domain.JobRunning {
			r.log.Info().Str("job", jobID).Str("status", string(job.Status)).Msg("задача остановлена извне")
			return nil
		}
		if job.Cursor >= job.Total {
			return r.complete(ctx, jobID)
		}

		if limiter == nil {
			limiter = NewLimiter(job.RatePerSecond, r.cfg.GlobalRate, r.cfg.AcquireTimeout)
		}

		batch, err := r.jobs.ListRecipients(ctx, jobID, job.Cursor, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("чтение батча получателей: %w", err)
		}
		if len(batch) == 0 {
			return r.complete(ctx, jobID)
		}

		if err := r.processBatch(ctx, limiter, botCache, job, batch); err != nil {
			if ctx.Err() != nil {
				// Остановка процесса: задача остаётся running и будет
				// переведена в paused сборщиком осиротевших задач.
				return ctx.Err()
			}
			r.fail(jobID, err)
			return err
		}

		if err := r.owner.Refresh(ctx, jobID, r.cfg.Owner, r.cfg.LeaseTTL); err != nil {
			// Аренду перехватили или она истекла: прекращаем молча,
			// статус задачи разрулит новый владелец либо сборщик сирот.
			r.log.Warn().Err(err).Str("job", jobID).Msg("аренда задачи потеряна")
			return nil
		}
	}
}

func (r *runner) processBatch(ctx context.Context, limiter *Limiter, botCache map[string]domain.Bot, job domain.Job, batch []domain.JobRecipient) error {
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	tasks := make(chan Task)
	skips := make(chan Result, len(batch))

	go func() {
		defer close(tasks)
		defer close(skips)
		for _, recipient := range batch {
			bot, ok := r.lookupBot(batchCtx, botCache, recipient.BotID)
			content := job.Payload
			if ok {
				content = renderPayload(job.Payload, bot, recipient)
			}
			if !ok || bot.Status != domain.BotAlive || content.Empty() {
				metrics.ObserveOutcome(string(domain.OutcomeSkipped))
				skips <- Result{Position: recipient.Position, Outcome: domain.OutcomeSkipped}
				continue
			}
			if !r.submit(batchCtx, limiter, tasks, Task{
				Position:  recipient.Position,
				Bot:       bot,
				Recipient: recipient,
				Content:   content,
			}) {
				return
			}
		}
	}()

	results := r.pool.Dispatch(batchCtx, tasks)

	// Итоги приходят в порядке завершения, а курсор обязан двигаться
	// только по непрерывному префиксу позиций: дыра в середине означала
	// бы потерю получателя при падении процесса. Итоги правее дыры
	// копятся в outcomes до её закрытия.
	outcomes := make(map[int]domain.Outcome, len(batch))
	next := job.Cursor
	var advErr error

	record := func(result Result) {
		if !result.Resolved() || advErr != nil {
			return
		}
		outcomes[result.Position] = result.Outcome
		for {
			outcome, ok := outcomes[next]
			if !ok {
				return
			}
			if err := r.advance(ctx, job.ID, outcome); err != nil {
				// Батч гасится, но каналы дочитываются до конца:
				// иначе продюсер и воркеры повиснут на отправке.
				advErr = err
				cancelBatch()
				return
			}
			delete(outcomes, next)
			next++
		}
	}

	for results != nil || skips != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			record(result)
		case result, ok := <-skips:
			if !ok {
				skips = nil
				continue
			}
			record(result)
		}
	}
	if advErr != nil {
		return advErr
	}
	return ctx.Err()
}

// submit блокируется на лимитере; по таймауту токена задача
// возвращается в очередь и попытка повторяется. false — контекст отменён.
func (r *runner) submit(ctx context.Context, limiter *Limiter, tasks chan<- Task, task Task) bool {
	for {
		err := limiter.Acquire(ctx, task.Bot.Shard)
		if err == nil {
			select {
			case tasks <- task:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if errors.Is(err, ErrAcquireTimeout) {
			continue
		}
		return false
	}
}

func (r *runner) lookupBot(ctx context.Context, cache map[string]domain.Bot, botID string) (domain.Bot, bool) {
	if bot, ok := cache[botID]; ok {
		return bot, true
	}
	bot, err := r.bots.GetBot(ctx, botID)
	if err != nil {
		r.log.Warn().Err(err).Str("bot", botID).Msg("бот из снапшота не найден")
		return domain.Bot{}, false
	}
	cache[botID] = bot
	return bot, true
}

// advance атомарно сдвигает курсор и счётчик исхода; при сбое попытка
// повторяется один раз, устойчивая ошибка прерывает батч.
func (r *runner) advance(ctx context.Context, jobID string, outcome domain.Outcome) error {
	if err := r.jobs.AdvanceCursor(ctx, jobID, outcome); err != nil {
		if retryErr := r.jobs.AdvanceCursor(ctx, jobID, outcome); retryErr != nil {
			return fmt.Errorf("продвижение курсора: %w", retryErr)
		}
	}
	return nil
}

func (r *runner) complete(ctx context.Context, jobID string) error {
	ok, err := casStatus(ctx, r.jobs, jobID, domain.JobRunning, domain.JobCompleted)
	if err != nil {
		return fmt.Errorf("завершение задачи: %w", err)
	}
	if !ok {
		r.log.Warn().Str("job", jobID).Msg("статус изменился во время завершения")
		return nil
	}
	r.log.Info().Str("job", jobID).Msg("рассылка завершена")
	return nil
}

// fail переводит задачу в failed после внутренней ошибки исполнения.
// Перевод делается на фоновом контексте: исходный мог быть отменён.
func (r *runner) fail(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := casStatus(ctx, r.jobs, jobID, domain.JobRunning, domain.JobFailed); err != nil {
		r.log.Error().Err(err).Str("job", jobID).Msg("не удалось пометить задачу failed")
	}
	r.log.Error().Err(cause).Str("job", jobID).Msg("исполнение рассылки прервано ошибкой")
}

// renderPayload подставляет переменные получателя в содержимое рассылки.
func renderPayload(payload domain.Content, bot domain.Bot, recipient domain.JobRecipient) domain.Content {
	reply := domain.Reply{Content: payload, UsesVariables: true}
	return replies.RenderFor(reply, bot, domain.Recipient{
		BotID:     recipient.BotID,
		ChatID:    recipient.ChatID,
		FirstName: recipient.FirstName,
		Username:  recipient.Username,
	})
}
