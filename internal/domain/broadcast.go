package domain

import (
	"fmt"
	"time"
)

// JobStatus — статус задачи рассылки.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal возвращает true для конечных статусов.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// AllowedTransition проверяет допустимость перехода статусов.
func AllowedTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobCancelled || to == JobCompleted || to == JobFailed
	case JobRunning:
		return to == JobPaused || to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobPaused:
		return to == JobRunning || to == JobCancelled
	default:
		return false
	}
}

// TargetKind — способ выбора получателей рассылки.
type TargetKind string

const (
	// TargetAll — все живые боты фермы.
	TargetAll TargetKind = "all"
	// TargetShards — боты перечисленных шардов.
	TargetShards TargetKind = "shards"
	// TargetBots — явный список ботов.
	TargetBots TargetKind = "bots"
)

// TargetSelector описывает целевую аудиторию рассылки.
type TargetSelector struct {
	Kind   TargetKind `json:"kind"`
	Shards []string   `json:"shards,omitempty"`
	BotIDs []string   `json:"bot_ids,omitempty"`
}

// JobSpec — параметры создания рассылки.
type JobSpec struct {
	Target        TargetSelector
	Payload       Content
	RatePerSecond int
	CreatedBy     int64
}

// Job — задача массовой рассылки со своим жизненным циклом.
// Cursor — количество полностью обработанных получателей снапшота,
// монотонно не убывает и не превышает Total.
type Job struct {
	ID            string
	Target        TargetSelector
	Payload       Content
	RatePerSecond int
	Status        JobStatus
	Cursor        int
	Sent          int
	Failed        int
	Skipped       int
	Total         int
	CreatedBy     int64
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Progress возвращает сводку продвижения задачи.
func (j Job) Progress() JobProgress {
	return JobProgress{
		JobID:     j.ID,
		Status:    j.Status,
		Cursor:    j.Cursor,
		Sent:      j.Sent,
		Failed:    j.Failed,
		Skipped:   j.Skipped,
		Total:     j.Total,
		Remaining: j.Total - j.Cursor,
	}
}

// JobProgress — снимок продвижения рассылки для отчётности.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Cursor    int       `json:"cursor"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Total     int       `json:"total"`
	Remaining int       `json:"remaining"`
}

// JobRecipient — позиция зафиксированного снапшота получателей.
type JobRecipient struct {
	Position  int
	BotID     string
	ChatID    int64
	FirstName string
	Username  string
}

// Outcome — терминальный итог доставки одному получателю.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TransientError — временная ошибка доставки, подлежит повтору.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError — необратимая ошибка доставки: получатель заблокировал
// бота или чат больше не существует. Повтор не выполняется.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() error { return e.Err }
