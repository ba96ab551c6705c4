package replies

import (
	"regexp"
	"strings"

	"bot-farm/internal/domain"
)

var buttonRegex = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

// ParseContent разбирает админский текст в содержимое автоответа.
// Разметка [подпись](url) превращается в ряды inline-кнопок и
// вырезается из текста.
func ParseContent(text string) domain.Content {
	matches := buttonRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return domain.Content{Text: strings.TrimSpace(text)}
	}

	clean := strings.TrimSpace(buttonRegex.ReplaceAllString(text, ""))
	buttons := make([][]domain.Button, 0, len(matches))
	for _, m := range matches {
		buttons = append(buttons, []domain.Button{{
			Label: strings.TrimSpace(m[1]),
			URL:   strings.TrimSpace(m[2]),
		}})
	}
	return domain.Content{Text: clean, Buttons: buttons}
}
