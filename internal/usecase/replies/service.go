package replies

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// Service отвечает за выбор автоответа по цепочке приоритетов
// Bot > Worker > Global и за публикацию новых версий конфигурации.
type Service struct {
	replies   domain.ReplyRepo
	bots      domain.BotRepo
	templates domain.TemplateRepo
	log       zerolog.Logger

	snap atomic.Pointer[snapshotCache]
}

// Результаты резолва кэшируются по боту в пределах одной версии
// снапшота; новая версия публикуется целиком новым snapshotCache.
type snapshotCache struct {
	snapshot domain.ReplySnapshot
	resolved sync.Map
}

type resolvedEntry struct {
	reply domain.Reply
	ok    bool
}

// NewService создаёт сервис автоответов.
func NewService(replies domain.ReplyRepo, bots domain.BotRepo, templates domain.TemplateRepo, logger zerolog.Logger) *Service {
	return &Service{replies: replies, bots: bots, templates: templates, log: logger}
}

// Reload загружает свежий снапшот конфигурации автоответов.
func (s *Service) Reload(ctx context.Context) error {
	snapshot, err := s.replies.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("загрузка снапшота автоответов: %w", err)
	}
	s.snap.Store(&snapshotCache{snapshot: snapshot})
	s.log.Debug().Int64("version", snapshot.Version).Msg("снапшот автоответов обновлён")
	return nil
}

// EnsureFresh перечитывает снапшот, если версия в хранилище изменилась.
func (s *Service) EnsureFresh(ctx context.Context) error {
	cache := s.snap.Load()
	if cache == nil {
		return s.Reload(ctx)
	}
	version, err := s.replies.Version(ctx)
	if err != nil {
		return fmt.Errorf("версия конфигурации: %w", err)
	}
	if version != cache.snapshot.Version {
		return s.Reload(ctx)
	}
	return nil
}

// Resolve выбирает действующий автоответ для бота по снапшоту.
// Чистая функция: отсутствующий или пустой уровень пропускается,
// при полном отсутствии возвращается false.
func Resolve(bot domain.Bot, snapshot domain.ReplySnapshot) (domain.Reply, bool) {
	if bot.HasCustomReply {
		if reply, ok := snapshot.Bot[bot.ID]; ok && usable(reply) {
			return reply, true
		}
	}
	if bot.UseWorkerReply {
		if reply, ok := snapshot.Worker[bot.Shard]; ok && usable(reply) {
			return reply, true
		}
	}
	if bot.UseGlobalReply && snapshot.Global != nil && usable(*snapshot.Global) {
		return *snapshot.Global, true
	}
	return domain.Reply{}, false
}

func usable(reply domain.Reply) bool {
	return reply.Enabled && !reply.Content.Empty()
}

// ResolveForBot возвращает действующий автоответ бота, используя кэш
// в пределах текущей версии конфигурации.
func (s *Service) ResolveForBot(ctx context.Context, botID string) (domain.Reply, bool, error) {
	cache := s.snap.Load()
	if cache == nil {
		if err := s.Reload(ctx); err != nil {
			return domain.Reply{}, false, err
		}
		cache = s.snap.Load()
	}

	if cached, ok := cache.resolved.Load(botID); ok {
		entry := cached.(resolvedEntry)
		return entry.reply, entry.ok, nil
	}

	bot, err := s.bots.GetBot(ctx, botID)
	if err != nil {
		return domain.Reply{}, false, fmt.Errorf("получение бота: %w", err)
	}

	reply, ok := Resolve(bot, cache.snapshot)
	cache.resolved.Store(botID, resolvedEntry{reply: reply, ok: ok})
	if ok {
		metrics.ObserveResolution(string(reply.Scope.Kind))
	} else {
		metrics.ObserveResolution("none")
	}
	return reply, ok, nil
}

// RenderFor готовит содержимое автоответа для конкретного получателя:
// клонирует его и подставляет переменные, если они включены.
func RenderFor(reply domain.Reply, bot domain.Bot, recipient domain.Recipient) domain.Content {
	content := reply.Content.Clone()
	if !reply.UsesVariables {
		return content
	}
	vars := VarContext{
		UserName:    recipient.FirstName,
		UserID:      strconv.FormatInt(recipient.ChatID, 10),
		Username:    recipient.Username,
		BotName:     bot.Username,
		BotUsername: "@" + bot.Username,
	}
	content.Text = Substitute(content.Text, vars)
	return content
}

// Publish заменяет автоответ уровня новой записью и перечитывает снапшот.
func (s *Service) Publish(ctx context.Context, scope domain.ReplyScope, content domain.Content, usesVariables bool) error {
	reply := domain.Reply{
		Scope:         scope,
		Content:       content.Clone(),
		UsesVariables: usesVariables,
		Enabled:       true,
	}
	version, err := s.replies.PublishReply(ctx, reply)
	if err != nil {
		return fmt.Errorf("публикация автоответа: %w", err)
	}
	s.log.Info().Str("scope", string(scope.Kind)).Int64("version", version).Msg("автоответ обновлён")
	return s.Reload(ctx)
}

// Disable выключает автоответ уровня, не удаляя запись.
func (s *Service) Disable(ctx context.Context, scope domain.ReplyScope) error {
	if _, err := s.replies.DisableReply(ctx, scope); err != nil {
		return fmt.Errorf("выключение автоответа: %w", err)
	}
	return s.Reload(ctx)
}

// ApplyTemplate материализует шаблон в автоответ указанного уровня.
// Содержимое копируется: удаление шаблона не меняет уже применённые
// автоответы.
func (s *Service) ApplyTemplate(ctx context.Context, idOrName string, scope domain.ReplyScope) error {
	template, err := s.templates.GetTemplate(ctx, idOrName)
	if err != nil {
		return fmt.Errorf("получение шаблона: %w", err)
	}
	if err := s.Publish(ctx, scope, template.Content, template.UsesVariables); err != nil {
		return err
	}
	if err := s.templates.IncrementTemplateUsage(ctx, template.ID); err != nil {
		s.log.Warn().Err(err).Str("template", template.ID).Msg("не удалось обновить счётчик применений")
	}
	return nil
}
