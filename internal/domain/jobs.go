package domain

import (
	"context"
	"time"
)

// SignalCause описывает причину сигнала запуска рассылки.
type SignalCause string

const (
	// SignalCauseStart — задача только что создана и запущена.
	SignalCauseStart SignalCause = "start"
	// SignalCauseResume — задача возобновлена после паузы.
	SignalCauseResume SignalCause = "resume"
)

// JobSignal — сообщение очереди о том, что задачу пора исполнять.
// Само состояние задачи живёт в персистентном хранилище, сигнал
// лишь будит воркера.
type JobSignal struct {
	JobID       string      `json:"job_id"`
	Cause       SignalCause `json:"cause"`
	RequestedAt time.Time   `json:"requested_at"`
}

// JobQueue — очередь сигналов запуска между админским процессом и воркерами.
type JobQueue interface {
	Enqueue(ctx context.Context, signal JobSignal) error
	Pop(ctx context.Context) (JobSignal, error)
}
