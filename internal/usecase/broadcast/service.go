package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
)

var (
	// ErrNoRecipients возвращается, если селектор не дал ни одного получателя.
	ErrNoRecipients = errors.New("рассылка без получателей")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса.
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
	// ErrStatusConflict возвращается, когда конкурентное обновление статуса
	// не удалось и после повторной попытки.
	ErrStatusConflict = errors.New("конфликт обновления статуса")
)

// Options настраивают движок рассылок.
type Options struct {
	WorkerName     string
	DefaultRate    int
	GlobalRate     int
	BatchSize      int
	AcquireTimeout time.Duration
	LeaseTTL       time.Duration
	SweepInterval  time.Duration
}

// Service управляет жизненным циклом рассылок и исполняет их на воркере.
type Service struct {
	jobs       domain.JobRepo
	bots       domain.BotRepo
	recipients domain.RecipientRepo
	queue      domain.JobQueue
	owner      domain.OwnerRegistry
	pool       *Pool
	log        zerolog.Logger
	opts       Options
}

// NewService создаёт движок рассылок.
func NewService(jobs domain.JobRepo, bots domain.BotRepo, recipients domain.RecipientRepo, queue domain.JobQueue, owner domain.OwnerRegistry, pool *Pool, logger zerolog.Logger, opts Options) *Service {
	if opts.DefaultRate <= 0 {
		opts.DefaultRate = 15
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	return &Service{
		jobs:       jobs,
		bots:       bots,
		recipients: recipients,
		queue:      queue,
		owner:      owner,
		pool:       pool,
		log:        logger,
		opts:       opts,
	}
}

// Start создаёт рассылку, один раз фиксирует набор получателей по
// селектору и переводит задачу pending → running. Боты, добавленные
// после запуска, в уже стартовавшую рассылку не попадают.
func (s *Service) Start(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	if spec.RatePerSecond <= 0 {
		spec.RatePerSecond = s.opts.DefaultRate
	}

	job, err := s.jobs.CreateJob(ctx, spec)
	if err != nil {
		return domain.Job{}, fmt.Errorf("создание задачи: %w", err)
	}

	snapshot, err := s.buildSnapshot(ctx, spec.Target)
	if err != nil {
		s.abandonPending(job.ID)
		return domain.Job{}, err
	}
	if len(snapshot) == 0 {
		if _, casErr := casStatus(ctx, s.jobs, job.ID, domain.JobPending, domain.JobCompleted); casErr != nil {
			return domain.Job{}, casErr
		}
		return domain.Job{}, ErrNoRecipients
	}

	total, err := s.jobs.SnapshotRecipients(ctx, job.ID, snapshot)
	if err != nil {
		s.abandonPending(job.ID)
		return domain.Job{}, fmt.Errorf("фиксация получателей: %w", err)
	}

	ok, err := casStatus(ctx, s.jobs, job.ID, domain.JobPending, domain.JobRunning)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrStatusConflict
	}

	if err := s.queue.Enqueue(ctx, domain.JobSignal{
		JobID:       job.ID,
		Cause:       domain.SignalCauseStart,
		RequestedAt: time.Now().UTC(),
	}); err != nil {
		return domain.Job{}, fmt.Errorf("постановка сигнала запуска: %w", err)
	}

	s.log.Info().Str("job", job.ID).Int("total", total).Int("rate", spec.RatePerSecond).Msg("рассылка запущена")
	return s.jobs.GetJob(ctx, job.ID)
}

// abandonPending помечает задачу failed, если снапшот получателей не
// удалось зафиксировать: pending-задачу не подбирает ни воркер, ни
// сборщик осиротевших задач, без перевода она зависла бы навсегда.
// Фоновый контекст — исходный мог быть уже отменён.
func (s *Service) abandonPending(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := casStatus(ctx, s.jobs, jobID, domain.JobPending, domain.JobFailed); err != nil {
		s.log.Error().Err(err).Str("job", jobID).Msg("не удалось пометить задачу failed")
	}
}

func (s *Service) buildSnapshot(ctx context.Context, target domain.TargetSelector) ([]domain.JobRecipient, error) {
	filter := domain.BotFilter{OnlyAlive: true}
	switch target.Kind {
	case domain.TargetAll:
	case domain.TargetShards:
		filter.Shards = target.Shards
	case domain.TargetBots:
		filter.IDs = target.BotIDs
	default:
		return nil, fmt.Errorf("неизвестный селектор %q", target.Kind)
	}

	bots, err := s.bots.ListBots(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("выборка ботов: %w", err)
	}
	botIDs := make([]string, 0, len(bots))
	for _, bot := range bots {
		botIDs = append(botIDs, bot.ID)
	}
	if len(botIDs) == 0 {
		return nil, nil
	}

	recipients, err := s.recipients.ListActiveForBots(ctx, botIDs)
	if err != nil {
		return nil, fmt.Errorf("выборка получателей: %w", err)
	}

	sort.SliceStable(recipients, func(i, j int) bool {
		if recipients[i].BotID != recipients[j].BotID {
			return recipients[i].BotID < recipients[j].BotID
		}
		return recipients[i].ChatID < recipients[j].ChatID
	})

	snapshot := make([]domain.JobRecipient, 0, len(recipients))
	for i, recipient := range recipients {
		snapshot = append(snapshot, domain.JobRecipient{
			Position:  i,
			BotID:     recipient.BotID,
			ChatID:    recipient.ChatID,
			FirstName: recipient.FirstName,
			Username:  recipient.Username,
		})
	}
	return snapshot, nil
}

// Pause переводит running → paused. Курсор и счётчики остаются как
// в последней зафиксированной точке.
func (s *Service) Pause(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, domain.JobRunning, domain.JobPaused)
}

// Resume переводит paused → running и будит воркера сигналом.
// Набор получателей не пересчитывается: используется снапшот запуска.
func (s *Service) Resume(ctx context.Context, jobID string) error {
	if err := s.transition(ctx, jobID, domain.JobPaused, domain.JobRunning); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, domain.JobSignal{
		JobID:       jobID,
		Cause:       domain.SignalCauseResume,
		RequestedAt: time.Now().UTC(),
	})
}

// Cancel переводит задачу в cancelled из любого нетерминального статуса.
// Статус терминальный, курсор замораживается.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("чтение задачи: %w", err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, job.Status, domain.JobCancelled)
	}
	return s.transition(ctx, jobID, job.Status, domain.JobCancelled)
}

// Status возвращает сводку продвижения задачи.
func (s *Service) Status(ctx context.Context, jobID string) (domain.JobProgress, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobProgress{}, fmt.Errorf("чтение задачи: %w", err)
	}
	return job.Progress(), nil
}

func (s *Service) transition(ctx context.Context, jobID string, expected, next domain.JobStatus) error {
	if !domain.AllowedTransition(expected, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, expected, next)
	}
	ok, err := casStatus(ctx, s.jobs, jobID, expected, next)
	if err != nil {
		return err
	}
	if !ok {
		job, getErr := s.jobs.GetJob(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("чтение задачи после конфликта: %w", getErr)
		}
		return fmt.Errorf("%w: задача в статусе %s", ErrStatusConflict, job.Status)
	}
	s.log.Info().Str("job", jobID).Str("to", string(next)).Msg("статус рассылки изменён")
	return nil
}

// RunJob исполняет одну задачу. Используется циклом воркера и тестами.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	r := &runner{
		jobs:  s.jobs,
		bots:  s.bots,
		owner: s.owner,
		pool:  s.pool,
		log:   s.log.With().Str("component", "broadcast_runner").Logger(),
		cfg: runnerConfig{
			Owner:          s.opts.WorkerName,
			BatchSize:      s.opts.BatchSize,
			GlobalRate:     s.opts.GlobalRate,
			AcquireTimeout: s.opts.AcquireTimeout,
			LeaseTTL:       s.opts.LeaseTTL,
		},
	}
	return r.run(ctx, jobID)
}

// RunLoop — цикл воркера: слушает сигналы очереди и периодически
// переводит осиротевшие running-задачи в paused.
func (s *Service) RunLoop(ctx context.Context) error {
	if err := s.RecoverAbandoned(ctx); err != nil {
		s.log.Error().Err(err).Msg("стартовая проверка осиротевших задач не удалась")
	}

	go s.sweepLoop(ctx)

	for {
		signal, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error().Err(err).Msg("чтение сигнала очереди")
			continue
		}
		s.log.Info().Str("job", signal.JobID).Str("cause", string(signal.Cause)).Msg("получен сигнал рассылки")
		if err := s.RunJob(ctx, signal.JobID); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("job", signal.JobID).Msg("исполнение рассылки завершилось ошибкой")
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RecoverAbandoned(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("проверка осиротевших задач не удалась")
			}
		}
	}
}

// RecoverAbandoned находит running-задачи без живого владельца и
// переводит их в paused. Автоматического возобновления нет: после
// падения воркера требуется явный resume.
func (s *Service) RecoverAbandoned(ctx context.Context) error {
	jobs, err := s.jobs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("выборка running-задач: %w", err)
	}
	for _, job := range jobs {
		holder, err := s.owner.Holder(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("проверка владельца %s: %w", job.ID, err)
		}
		if holder != "" {
			continue
		}
		ok, err := casStatus(ctx, s.jobs, job.ID, domain.JobRunning, domain.JobPaused)
		if err != nil {
			return err
		}
		if ok {
			s.log.Warn().Str("job", job.ID).Int("cursor", job.Cursor).Msg("осиротевшая задача переведена в paused")
		}
	}
	return nil
}

// casStatus выполняет compare-and-set статуса; проигравший повторяет
// read-modify-write один раз, как того требует протокол конфликтов.
func casStatus(ctx context.Context, jobs domain.JobRepo, jobID string, expected, next domain.JobStatus) (bool, error) {
	ok, err := jobs.CompareAndSetStatus(ctx, jobID, expected, next)
	if err != nil {
		return false, fmt.Errorf("обновление статуса: %w", err)
	}
	if ok {
		return true, nil
	}
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("чтение задачи после конфликта: %w", err)
	}
	if job.Status != expected {
		return false, nil
	}
	ok, err = jobs.CompareAndSetStatus(ctx, jobID, expected, next)
	if err != nil {
		return false, fmt.Errorf("повторное обновление статуса: %w", err)
	}
	return ok, nil
}
