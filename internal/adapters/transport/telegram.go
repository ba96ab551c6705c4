package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// Telegram отправляет сообщения через Bot API от имени ботов фермы.
// Клиенты кэшируются по боту: повторная авторизация не выполняется.
type Telegram struct {
	files domain.FileCache
	log   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*tgbotapi.BotAPI
}

var _ domain.Transport = (*Telegram)(nil)

// NewTelegram создаёт транспорт. files может быть nil — тогда
// идентификаторы медиафайлов не кэшируются.
func NewTelegram(files domain.FileCache, log zerolog.Logger) *Telegram {
	return &Telegram{
		files:   files,
		log:     log,
		clients: map[string]*tgbotapi.BotAPI{},
	}
}

func (t *Telegram) client(bot domain.Bot) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	if client, ok := t.clients[bot.ID]; ok {
		t.mu.Unlock()
		return client, nil
	}
	t.mu.Unlock()

	start := time.Now()
	client, err := tgbotapi.NewBotAPI(bot.Token)
	metrics.ObserveNetworkRequest("telegram", "authorize", bot.ID, start, err)
	if err != nil {
		return nil, classify(err)
	}

	t.mu.Lock()
	t.clients[bot.ID] = client
	t.mu.Unlock()
	return client, nil
}

// Send доставляет содержимое получателю. Ошибки классифицируются как
// *domain.TransientError или *domain.PermanentError.
func (t *Telegram) Send(ctx context.Context, bot domain.Bot, chatID int64, content domain.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := t.client(bot)
	if err != nil {
		return err
	}

	fileID := content.MediaFileID
	if t.files != nil && fileID != "" {
		if cached, cerr := t.files.GetFileID(ctx, bot.ID, content.MediaFileID); cerr == nil && cached != "" {
			fileID = cached
		}
	}

	msg, err := buildMessage(chatID, content, fileID)
	if err != nil {
		return &domain.PermanentError{Err: err}
	}

	start := time.Now()
	sent, err := client.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send", bot.ID, start, err)
	if err != nil {
		return classify(err)
	}

	if t.files != nil && content.MediaFileID != "" {
		if resolved := sentFileID(sent); resolved != "" && resolved != fileID {
			if cerr := t.files.SetFileID(ctx, bot.ID, content.MediaFileID, resolved); cerr != nil {
				t.log.Warn().Err(cerr).Str("bot_id", bot.ID).Msg("не удалось закэшировать file_id")
			}
		}
	}
	return nil
}

// Probe проверяет, что токен бота принимается Bot API.
func (t *Telegram) Probe(ctx context.Context, bot domain.Bot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := t.client(bot)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = client.GetMe()
	metrics.ObserveNetworkRequest("telegram", "get_me", bot.ID, start, err)
	if err != nil {
		t.mu.Lock()
		delete(t.clients, bot.ID)
		t.mu.Unlock()
	}
	return err
}

func buildMessage(chatID int64, content domain.Content, fileID string) (tgbotapi.Chattable, error) {
	markup := buildMarkup(content.Buttons)

	if content.MediaFileID == "" {
		msg := tgbotapi.NewMessage(chatID, content.Text)
		if markup != nil {
			msg.ReplyMarkup = markup
		}
		return msg, nil
	}

	switch content.MediaType {
	case "photo":
		msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(fileID))
		msg.Caption = content.Text
		if markup != nil {
			msg.ReplyMarkup = markup
		}
		return msg, nil
	case "video":
		msg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(fileID))
		msg.Caption = content.Text
		if markup != nil {
			msg.ReplyMarkup = markup
		}
		return msg, nil
	case "document":
		msg := tgbotapi.NewDocument(chatID, tgbotapi.FileID(fileID))
		msg.Caption = content.Text
		if markup != nil {
			msg.ReplyMarkup = markup
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("неизвестный тип медиа: %q", content.MediaType)
	}
}

func buildMarkup(buttons [][]domain.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		line := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, button := range row {
			line = append(line, tgbotapi.NewInlineKeyboardButtonURL(button.Label, button.URL))
		}
		rows = append(rows, line)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func sentFileID(msg tgbotapi.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return msg.Video.FileID
	case msg.Document != nil:
		return msg.Document.FileID
	default:
		return ""
	}
}

// Необратимыми считаются только ошибки мёртвого чата: блокировка бота,
// удалённый аккаунт, несуществующий чат. Всё остальное повторяемо.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		message := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == 403:
			return &domain.PermanentError{Err: err}
		case strings.Contains(message, "chat not found"),
			strings.Contains(message, "user is deactivated"),
			strings.Contains(message, "bot was kicked"),
			strings.Contains(message, "bot was blocked"):
			return &domain.PermanentError{Err: err}
		default:
			return &domain.TransientError{Err: err}
		}
	}
	return &domain.TransientError{Err: err}
}
