package stats

import (
	"context"
	"fmt"
	"time"

	"bot-farm/internal/domain"
)

const recentJobsLimit = 20

// Service собирает диагностический срез состояния фермы.
// Только чтение: срез может быть неатомарным, это допустимо.
type Service struct {
	bots       domain.BotRepo
	jobs       domain.JobRepo
	recipients domain.RecipientRepo
}

// NewService создаёт сервис статистики.
func NewService(bots domain.BotRepo, jobs domain.JobRepo, recipients domain.RecipientRepo) *Service {
	return &Service{bots: bots, jobs: jobs, recipients: recipients}
}

// Snapshot возвращает сводку по ботам, пользователям и рассылкам.
func (s *Service) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	tiers, total, err := s.bots.CountBotsByTier(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("подсчёт ботов: %w", err)
	}
	users, err := s.recipients.CountActive(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("подсчёт пользователей: %w", err)
	}
	jobs, err := s.jobs.ListRecentJobs(ctx, recentJobsLimit)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("выборка рассылок: %w", err)
	}

	progress := make([]domain.JobProgress, 0, len(jobs))
	for _, job := range jobs {
		progress = append(progress, job.Progress())
	}

	return domain.StatsSnapshot{
		Bots:       tiers,
		TotalBots:  total,
		TotalUsers: users,
		Jobs:       progress,
		TakenAt:    time.Now().UTC(),
	}, nil
}
