package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// Prober проверяет, что токен бота жив (getMe в телеграме).
type Prober interface {
	Probe(ctx context.Context, bot domain.Bot) error
}

// Service периодически опрашивает ботов и актуализирует их статус.
// Боты, поставленные на паузу вручную, не трогаются.
type Service struct {
	bots     domain.BotRepo
	prober   Prober
	log      zerolog.Logger
	interval time.Duration
}

func NewService(bots domain.BotRepo, prober Prober, log zerolog.Logger, interval time.Duration) *Service {
	return &Service{bots: bots, prober: prober, log: log, interval: interval}
}

// Run запускает цикл проверок до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckAll(ctx)
		}
	}
}

// CheckAll пробует каждого бота и переключает alive<->dead по результату.
func (s *Service) CheckAll(ctx context.Context) {
	bots, err := s.bots.ListBots(ctx, domain.BotFilter{})
	if err != nil {
		s.log.Error().Err(err).Msg("health: не удалось получить список ботов")
		return
	}

	for _, bot := range bots {
		if ctx.Err() != nil {
			return
		}
		if bot.Status == domain.BotPaused {
			continue
		}
		s.checkOne(ctx, bot)
	}
}

func (s *Service) checkOne(ctx context.Context, bot domain.Bot) {
	err := s.prober.Probe(ctx, bot)
	switch {
	case err == nil && bot.Status == domain.BotDead:
		if uerr := s.bots.UpdateBotStatus(ctx, bot.ID, domain.BotAlive); uerr != nil {
			s.log.Error().Err(uerr).Str("bot_id", bot.ID).Msg("health: не удалось оживить бота")
			return
		}
		s.log.Info().Str("bot_id", bot.ID).Msg("health: бот снова жив")
	case err != nil && bot.Status == domain.BotAlive:
		metrics.BotHealthErrors.Inc()
		if uerr := s.bots.UpdateBotStatus(ctx, bot.ID, domain.BotDead); uerr != nil {
			s.log.Error().Err(uerr).Str("bot_id", bot.ID).Msg("health: не удалось пометить бота мёртвым")
			return
		}
		s.log.Warn().Err(err).Str("bot_id", bot.ID).Msg("health: бот не отвечает, помечен мёртвым")
	case err != nil:
		metrics.BotHealthErrors.Inc()
	}
}
