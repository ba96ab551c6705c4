package domain

import (
	"context"
	"time"
)

// BotFilter ограничивает выборку ботов.
type BotFilter struct {
	Shards    []string
	IDs       []string
	OnlyAlive bool
}

// BotRepo управляет ботами фермы.
type BotRepo interface {
	GetBot(ctx context.Context, id string) (Bot, error)
	ListBots(ctx context.Context, filter BotFilter) ([]Bot, error)
	// SetBotReplyScope переключает флаги уровней автоответа бота
	// и поднимает версию конфигурации автоответов.
	SetBotReplyScope(ctx context.Context, id string, useGlobal, useWorker bool) error
	UpdateBotStatus(ctx context.Context, id string, status BotStatus) error
	CountBotsByTier(ctx context.Context) (TierCounts, int, error)
}

// ReplySnapshot — неизменяемый срез всех уровней автоответов.
// Version монотонно растёт при любой публикации.
type ReplySnapshot struct {
	Version int64
	Global  *Reply
	Worker  map[string]Reply
	Bot     map[string]Reply
}

// ReplyRepo хранит автоответы всех уровней.
type ReplyRepo interface {
	LoadSnapshot(ctx context.Context) (ReplySnapshot, error)
	Version(ctx context.Context) (int64, error)
	// PublishReply заменяет автоответ уровня новой записью и возвращает
	// новую версию конфигурации. Запись на месте не мутируется.
	PublishReply(ctx context.Context, reply Reply) (int64, error)
	DisableReply(ctx context.Context, scope ReplyScope) (int64, error)
}

// TemplateRepo хранит шаблоны. Для ядра шаблоны доступны только на чтение.
type TemplateRepo interface {
	GetTemplate(ctx context.Context, idOrName string) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)
	IncrementTemplateUsage(ctx context.Context, id string) error
}

// JobRepo — персистентное состояние рассылок.
type JobRepo interface {
	CreateJob(ctx context.Context, spec JobSpec) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	// CompareAndSetStatus атомарно переводит статус и возвращает false,
	// если ожидаемый статус не совпал.
	CompareAndSetStatus(ctx context.Context, id string, expected, next JobStatus) (bool, error)
	// AdvanceCursor атомарно сдвигает курсор на единицу и увеличивает
	// счётчик соответствующего исхода.
	AdvanceCursor(ctx context.Context, id string, outcome Outcome) error
	// SnapshotRecipients фиксирует набор получателей задачи и её Total.
	// Набор вычисляется один раз и при возобновлении не пересчитывается.
	SnapshotRecipients(ctx context.Context, id string, recipients []JobRecipient) (int, error)
	ListRecipients(ctx context.Context, id string, from, limit int) ([]JobRecipient, error)
	// ListRunning возвращает задачи в статусе running — для поиска
	// осиротевших задач после падения владельца.
	ListRunning(ctx context.Context) ([]Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]Job, error)
}

// RecipientRepo управляет пользователями ботов.
type RecipientRepo interface {
	ListActiveForBots(ctx context.Context, botIDs []string) ([]Recipient, error)
	// MarkInactive помечает получателя неактивным после необратимой
	// ошибки доставки.
	MarkInactive(ctx context.Context, botID string, chatID int64) error
	CountActive(ctx context.Context) (int64, error)
}

// Transport отправляет сообщение получателю от имени бота.
// Ошибки классифицируются как *TransientError или *PermanentError.
type Transport interface {
	Send(ctx context.Context, bot Bot, chatID int64, content Content) error
}

// OwnerRegistry выдаёт аренду владения задачей: в каждый момент
// задачу активно исполняет не более одного планировщика.
type OwnerRegistry interface {
	Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, jobID, owner string, ttl time.Duration) error
	Release(ctx context.Context, jobID, owner string) error
	// Holder возвращает текущего владельца или пустую строку.
	Holder(ctx context.Context, jobID string) (string, error)
}

// FileCache кэширует платформенные идентификаторы медиафайлов по ботам.
type FileCache interface {
	GetFileID(ctx context.Context, botID, key string) (string, error)
	SetFileID(ctx context.Context, botID, key, fileID string) error
}
