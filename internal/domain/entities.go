package domain

import "time"

// BotStatus описывает состояние бота в ферме.
type BotStatus string

const (
	// BotAlive — бот отвечает на проверки.
	BotAlive BotStatus = "alive"
	// BotDead — бот не прошёл проверку здоровья.
	BotDead BotStatus = "dead"
	// BotPaused — бот временно выключен администратором.
	BotPaused BotStatus = "paused"
)

// Bot описывает управляемого бота и его настройки автоответа.
type Bot struct {
	ID              string
	Username        string
	Token           string
	Shard           string
	Status          BotStatus
	UseGlobalReply  bool
	UseWorkerReply  bool
	HasCustomReply  bool
	LastHealthCheck *time.Time
	CreatedAt       time.Time
}

// ScopeKind задаёт уровень области действия автоответа.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeWorker ScopeKind = "worker"
	ScopeBot    ScopeKind = "bot"
)

// ReplyScope — тегированный вариант области действия.
// Для ScopeWorker заполнен ShardID, для ScopeBot — BotID.
type ReplyScope struct {
	Kind    ScopeKind
	ShardID string
	BotID   string
}

// Button — одна inline-кнопка со ссылкой.
type Button struct {
	Label string
	URL   string
}

// Content — содержимое сообщения: текст, ряды кнопок и необязательное медиа.
type Content struct {
	Text        string
	Buttons     [][]Button
	MediaType   string
	MediaFileID string
}

// Empty возвращает true, если в содержимом нечего отправлять.
func (c Content) Empty() bool {
	return c.Text == "" && c.MediaFileID == ""
}

// Clone возвращает независимую копию содержимого.
func (c Content) Clone() Content {
	out := c
	if len(c.Buttons) > 0 {
		out.Buttons = make([][]Button, len(c.Buttons))
		for i, row := range c.Buttons {
			out.Buttons[i] = append([]Button(nil), row...)
		}
	}
	return out
}

// Reply — автоответ, привязанный к области действия.
// Область неизменяема после создания: смена уровня — это новый Reply.
type Reply struct {
	ID            int64
	Scope         ReplyScope
	Content       Content
	UsesVariables bool
	Enabled       bool
	UpdatedAt     time.Time
}

// Template — именованный переиспользуемый шаблон автоответа.
// Применение копирует содержимое в Reply, ссылка не сохраняется.
type Template struct {
	ID            string
	Name          string
	Description   string
	Content       Content
	UsesVariables bool
	UsageCount    int
	CreatedAt     time.Time
}

// Recipient — конечный пользователь конкретного бота.
type Recipient struct {
	BotID     string
	ChatID    int64
	FirstName string
	Username  string
	Active    bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// Shard — воркер, владеющий непересекающимся множеством ботов.
type Shard struct {
	Name     string
	Alive    bool
	LastSeen time.Time
}

// TierCounts — количество ботов по уровням автоответа.
type TierCounts struct {
	Global int
	Worker int
	Custom int
}

// StatsSnapshot — диагностический срез состояния фермы.
// Читается без блокировок, допускает неполную согласованность.
type StatsSnapshot struct {
	Bots       TierCounts
	TotalBots  int
	TotalUsers int64
	Jobs       []JobProgress
	TakenAt    time.Time
}
