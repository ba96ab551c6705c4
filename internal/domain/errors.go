package domain

import "errors"

var (
	// ErrBotNotFound возвращается, если бот отсутствует в ферме.
	ErrBotNotFound = errors.New("бот не найден")
	// ErrJobNotFound возвращается, если рассылка не существует.
	ErrJobNotFound = errors.New("рассылка не найдена")
	// ErrTemplateNotFound возвращается, если шаблон не найден.
	ErrTemplateNotFound = errors.New("шаблон не найден")
)
