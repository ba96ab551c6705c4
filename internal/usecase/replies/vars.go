package replies

import "strings"

// VarContext содержит значения подстановки для одного получателя.
// Пустое значение подставляется как пустая строка, а не как плейсхолдер.
type VarContext struct {
	UserName    string
	UserID      string
	Username    string
	BotName     string
	BotUsername string
}

func (v VarContext) lookup(token string) (string, bool) {
	switch token {
	case "{user_name}":
		return v.UserName, true
	case "{user_id}":
		return v.UserID, true
	case "{username}":
		return v.Username, true
	case "{bot_name}":
		return v.BotName, true
	case "{bot_username}":
		return v.BotUsername, true
	default:
		return "", false
	}
}

// Substitute заменяет распознанные плейсхолдеры значениями контекста.
// Один проход слева направо, подставленные значения повторно не
// сканируются. Нераспознанные плейсхолдеры остаются как есть.
func Substitute(text string, vars VarContext) string {
	if text == "" || !strings.ContainsRune(text, '{') {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if text[i] != '{' {
			b.WriteByte(text[i])
			i++
			continue
		}
		end := strings.IndexByte(text[i:], '}')
		if end < 0 {
			b.WriteString(text[i:])
			break
		}
		token := text[i : i+end+1]
		if value, ok := vars.lookup(token); ok {
			b.WriteString(value)
			i += end + 1
			continue
		}
		// Нераспознанный плейсхолдер остаётся дословно; скан продолжается
		// со следующего символа, чтобы не проглотить вложенную скобку.
		b.WriteByte('{')
		i++
	}
	return b.String()
}
