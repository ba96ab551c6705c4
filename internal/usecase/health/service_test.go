package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
)

type stubBots struct {
	mu      sync.Mutex
	bots    []domain.Bot
	updates map[string]domain.BotStatus
}

func (s *stubBots) GetBot(context.Context, string) (domain.Bot, error) { return domain.Bot{}, nil }
func (s *stubBots) ListBots(context.Context, domain.BotFilter) ([]domain.Bot, error) {
	return s.bots, nil
}
func (s *stubBots) SetBotReplyScope(context.Context, string, bool, bool) error { return nil }
func (s *stubBots) UpdateBotStatus(_ context.Context, id string, status domain.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = status
	return nil
}
func (s *stubBots) CountBotsByTier(context.Context) (domain.TierCounts, int, error) {
	return domain.TierCounts{}, 0, nil
}

type stubProber struct {
	failing map[string]bool
}

func (p *stubProber) Probe(_ context.Context, bot domain.Bot) error {
	if p.failing[bot.ID] {
		return errors.New("unauthorized")
	}
	return nil
}

func TestCheckAllTransitions(t *testing.T) {
	bots := &stubBots{
		bots: []domain.Bot{
			{ID: "alive-ok", Status: domain.BotAlive},
			{ID: "alive-broken", Status: domain.BotAlive},
			{ID: "dead-recovered", Status: domain.BotDead},
			{ID: "paused", Status: domain.BotPaused},
		},
		updates: map[string]domain.BotStatus{},
	}
	prober := &stubProber{failing: map[string]bool{"alive-broken": true, "paused": true}}
	service := NewService(bots, prober, zerolog.Nop(), time.Minute)

	service.CheckAll(context.Background())

	if _, ok := bots.updates["alive-ok"]; ok {
		t.Fatalf("живой бот с рабочим токеном не должен обновляться")
	}
	if bots.updates["alive-broken"] != domain.BotDead {
		t.Fatalf("бот с битым токеном должен стать мёртвым: %v", bots.updates)
	}
	if bots.updates["dead-recovered"] != domain.BotAlive {
		t.Fatalf("ожившего бота нужно вернуть в строй: %v", bots.updates)
	}
	if _, ok := bots.updates["paused"]; ok {
		t.Fatalf("бот на паузе не должен проверяться")
	}
}
