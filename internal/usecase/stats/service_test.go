package stats

import (
	"context"
	"testing"

	"bot-farm/internal/domain"
)

type stubRepo struct {
	tiers domain.TierCounts
	total int
	users int64
	jobs  []domain.Job
}

func (s *stubRepo) GetBot(context.Context, string) (domain.Bot, error) { return domain.Bot{}, nil }
func (s *stubRepo) ListBots(context.Context, domain.BotFilter) ([]domain.Bot, error) {
	return nil, nil
}
func (s *stubRepo) SetBotReplyScope(context.Context, string, bool, bool) error      { return nil }
func (s *stubRepo) UpdateBotStatus(context.Context, string, domain.BotStatus) error { return nil }
func (s *stubRepo) CountBotsByTier(context.Context) (domain.TierCounts, int, error) {
	return s.tiers, s.total, nil
}
func (s *stubRepo) CreateJob(context.Context, domain.JobSpec) (domain.Job, error) {
	return domain.Job{}, nil
}
func (s *stubRepo) GetJob(context.Context, string) (domain.Job, error) { return domain.Job{}, nil }
func (s *stubRepo) CompareAndSetStatus(context.Context, string, domain.JobStatus, domain.JobStatus) (bool, error) {
	return false, nil
}
func (s *stubRepo) AdvanceCursor(context.Context, string, domain.Outcome) error { return nil }
func (s *stubRepo) SnapshotRecipients(context.Context, string, []domain.JobRecipient) (int, error) {
	return 0, nil
}
func (s *stubRepo) ListRecipients(context.Context, string, int, int) ([]domain.JobRecipient, error) {
	return nil, nil
}
func (s *stubRepo) ListRunning(context.Context) ([]domain.Job, error) { return nil, nil }
func (s *stubRepo) ListRecentJobs(context.Context, int) ([]domain.Job, error) {
	return s.jobs, nil
}
func (s *stubRepo) ListActiveForBots(context.Context, []string) ([]domain.Recipient, error) {
	return nil, nil
}
func (s *stubRepo) MarkInactive(context.Context, string, int64) error { return nil }
func (s *stubRepo) CountActive(context.Context) (int64, error)        { return s.users, nil }

func TestSnapshot(t *testing.T) {
	repo := &stubRepo{
		tiers: domain.TierCounts{Global: 5, Worker: 2, Custom: 1},
		total: 8,
		users: 1200,
		jobs: []domain.Job{
			{ID: "job-1", Status: domain.JobRunning, Cursor: 40, Sent: 38, Failed: 1, Skipped: 1, Total: 100},
		},
	}
	service := NewService(repo, repo, repo)

	snapshot, err := service.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snapshot.Bots.Global != 5 || snapshot.TotalBots != 8 {
		t.Fatalf("неожиданные счётчики ботов: %+v", snapshot.Bots)
	}
	if snapshot.TotalUsers != 1200 {
		t.Fatalf("ожидали 1200 пользователей, получили %d", snapshot.TotalUsers)
	}
	if len(snapshot.Jobs) != 1 || snapshot.Jobs[0].Remaining != 60 {
		t.Fatalf("неожиданный прогресс рассылок: %+v", snapshot.Jobs)
	}
}
