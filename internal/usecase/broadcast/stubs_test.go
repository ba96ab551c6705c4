package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot-farm/internal/domain"
)

// memJobRepo — потокобезопасное хранилище задач для тестов.
type memJobRepo struct {
	mu         sync.Mutex
	seq        int
	jobs       map[string]*domain.Job
	recs       map[string][]domain.JobRecipient
	advanceErr error
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: map[string]*domain.Job{}, recs: map[string][]domain.JobRecipient{}}
}

func (m *memJobRepo) CreateJob(_ context.Context, spec domain.JobSpec) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := domain.Job{
		ID:            fmt.Sprintf("job-%d", m.seq),
		Target:        spec.Target,
		Payload:       spec.Payload,
		RatePerSecond: spec.RatePerSecond,
		Status:        domain.JobPending,
		CreatedBy:     spec.CreatedBy,
		CreatedAt:     time.Now().UTC(),
	}
	m.jobs[job.ID] = &job
	return job, nil
}

func (m *memJobRepo) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("задача %s не найдена", id)
	}
	return *job, nil
}

func (m *memJobRepo) CompareAndSetStatus(_ context.Context, id string, expected, next domain.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("задача %s не найдена", id)
	}
	if job.Status != expected {
		return false, nil
	}
	job.Status = next
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memJobRepo) AdvanceCursor(_ context.Context, id string, outcome domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("задача %s не найдена", id)
	}
	if job.Cursor >= job.Total {
		return fmt.Errorf("курсор задачи %s вышел за total", id)
	}
	job.Cursor++
	switch outcome {
	case domain.OutcomeSent:
		job.Sent++
	case domain.OutcomeFailed:
		job.Failed++
	case domain.OutcomeSkipped:
		job.Skipped++
	}
	return nil
}

func (m *memJobRepo) SnapshotRecipients(_ context.Context, id string, recipients []domain.JobRecipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id] = append([]domain.JobRecipient(nil), recipients...)
	m.jobs[id].Total = len(recipients)
	return len(recipients), nil
}

func (m *memJobRepo) ListRecipients(_ context.Context, id string, from, limit int) ([]domain.JobRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.recs[id]
	if from >= len(recs) {
		return nil, nil
	}
	end := from + limit
	if end > len(recs) {
		end = len(recs)
	}
	return append([]domain.JobRecipient(nil), recs[from:end]...), nil
}

func (m *memJobRepo) ListRunning(context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if job.Status == domain.JobRunning {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memJobRepo) ListRecentJobs(context.Context, int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out, nil
}

// setStatus имитирует внешний перевод статуса (админская команда).
func (m *memJobRepo) setStatus(id string, status domain.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

// failAdvance заставляет AdvanceCursor отвечать устойчивой ошибкой —
// имитация отказавшего хранилища.
func (m *memJobRepo) failAdvance(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceErr = err
}

type memBotRepo struct {
	mu   sync.Mutex
	bots map[string]domain.Bot
}

func (m *memBotRepo) GetBot(_ context.Context, id string) (domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return domain.Bot{}, fmt.Errorf("бот %s не найден", id)
	}
	return bot, nil
}

func (m *memBotRepo) ListBots(_ context.Context, filter domain.BotFilter) ([]domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bot
	for _, bot := range m.bots {
		if filter.OnlyAlive && bot.Status != domain.BotAlive {
			continue
		}
		out = append(out, bot)
	}
	return out, nil
}

func (m *memBotRepo) SetBotReplyScope(context.Context, string, bool, bool) error { return nil }

func (m *memBotRepo) UpdateBotStatus(context.Context, string, domain.BotStatus) error { return nil }

func (m *memBotRepo) CountBotsByTier(context.Context) (domain.TierCounts, int, error) {
	return domain.TierCounts{}, 0, nil
}

type memRecipientRepo struct {
	mu       sync.Mutex
	byBot    map[string][]domain.Recipient
	inactive []int64
}

func (m *memRecipientRepo) ListActiveForBots(_ context.Context, botIDs []string) ([]domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Recipient
	for _, id := range botIDs {
		out = append(out, m.byBot[id]...)
	}
	return out, nil
}

func (m *memRecipientRepo) MarkInactive(_ context.Context, _ string, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactive = append(m.inactive, chatID)
	return nil
}

func (m *memRecipientRepo) CountActive(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, recs := range m.byBot {
		total += int64(len(recs))
	}
	return total, nil
}

type memQueue struct {
	mu      sync.Mutex
	signals []domain.JobSignal
}

func (m *memQueue) Enqueue(_ context.Context, signal domain.JobSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, signal)
	return nil
}

func (m *memQueue) Pop(ctx context.Context) (domain.JobSignal, error) {
	<-ctx.Done()
	return domain.JobSignal{}, ctx.Err()
}

type memOwner struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemOwner() *memOwner { return &memOwner{owners: map[string]string{}} }

func (m *memOwner) Acquire(_ context.Context, jobID, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[jobID]; held {
		return false, nil
	}
	m.owners[jobID] = owner
	return true, nil
}

func (m *memOwner) Refresh(_ context.Context, jobID, owner string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[jobID] != owner {
		return fmt.Errorf("аренда потеряна")
	}
	return nil
}

func (m *memOwner) Release(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[jobID] == owner {
		delete(m.owners, jobID)
	}
	return nil
}

func (m *memOwner) Holder(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[jobID], nil
}

// stubTransport фиксирует отправки и позволяет подложить ошибки.
type stubTransport struct {
	mu     sync.Mutex
	sent   []int64
	errs   map[int64][]error
	gates  map[int64]chan struct{}
	onSend func(total int)
}

func newStubTransport() *stubTransport {
	return &stubTransport{errs: map[int64][]error{}, gates: map[int64]chan struct{}{}}
}

// blockChat подвешивает отправки чату до закрытия возвращённого канала.
func (t *stubTransport) blockChat(chatID int64) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate := make(chan struct{})
	t.gates[chatID] = gate
	return gate
}

func (t *stubTransport) Send(ctx context.Context, _ domain.Bot, chatID int64, _ domain.Content) error {
	t.mu.Lock()
	gate := t.gates[chatID]
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &domain.TransientError{Err: ctx.Err()}
		}
	}

	t.mu.Lock()
	if queue := t.errs[chatID]; len(queue) > 0 {
		err := queue[0]
		t.errs[chatID] = queue[1:]
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, chatID)
	total := len(t.sent)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(total)
	}
	return nil
}

func (t *stubTransport) sentChats() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.sent...)
}
