package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bot-farm/internal/domain"
)

// countingTransport считает попытки отправки по получателю.
type countingTransport struct {
	mu       sync.Mutex
	attempts map[int64]int
	errs     map[int64][]error
}

func (t *countingTransport) Send(_ context.Context, _ domain.Bot, chatID int64, _ domain.Content) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[chatID]++
	if queue := t.errs[chatID]; len(queue) > 0 {
		err := queue[0]
		t.errs[chatID] = queue[1:]
		return err
	}
	return nil
}

func runPool(t *testing.T, transport domain.Transport, recipients domain.RecipientRepo, tasks []Task) []Result {
	t.Helper()
	pool := NewPool(transport, recipients, zerolog.Nop(), PoolConfig{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	in := make(chan Task)
	go func() {
		defer close(in)
		for _, task := range tasks {
			in <- task
		}
	}()
	var out []Result
	for result := range pool.Dispatch(context.Background(), in) {
		out = append(out, result)
	}
	return out
}

func task(position int, chatID int64) Task {
	return Task{
		Position:  position,
		Bot:       domain.Bot{ID: "bot-a", Status: domain.BotAlive},
		Recipient: domain.JobRecipient{Position: position, BotID: "bot-a", ChatID: chatID},
		Content:   domain.Content{Text: "привет"},
	}
}

func TestPoolReportsEachTaskOnce(t *testing.T) {
	transport := &countingTransport{attempts: map[int64]int{}, errs: map[int64][]error{}}
	recipients := &memRecipientRepo{byBot: map[string][]domain.Recipient{}}

	results := runPool(t, transport, recipients, []Task{task(0, 1), task(1, 2), task(2, 3)})
	if len(results) != 3 {
		t.Fatalf("ожидали по одному итогу на задачу, получили %d", len(results))
	}
	seen := map[int]bool{}
	for _, result := range results {
		if seen[result.Position] {
			t.Fatalf("итог для позиции %d опубликован дважды", result.Position)
		}
		seen[result.Position] = true
		if result.Outcome != domain.OutcomeSent {
			t.Fatalf("ожидали sent, получили %s", result.Outcome)
		}
	}
}

func TestPoolRetriesTransient(t *testing.T) {
	transport := &countingTransport{
		attempts: map[int64]int{},
		errs: map[int64][]error{
			1: {
				&domain.TransientError{Err: errors.New("flood wait")},
				&domain.TransientError{Err: errors.New("flood wait")},
			},
		},
	}
	recipients := &memRecipientRepo{byBot: map[string][]domain.Recipient{}}

	results := runPool(t, transport, recipients, []Task{task(0, 1)})
	if results[0].Outcome != domain.OutcomeSent {
		t.Fatalf("ожидали успех после повторов, получили %s", results[0].Outcome)
	}
	if transport.attempts[1] != 3 {
		t.Fatalf("ожидали 3 попытки, получили %d", transport.attempts[1])
	}
}

func TestPoolTransientExhaustion(t *testing.T) {
	transientOnly := &domain.TransientError{Err: errors.New("timeout")}
	transport := &countingTransport{
		attempts: map[int64]int{},
		errs:     map[int64][]error{1: {transientOnly, transientOnly, transientOnly, transientOnly}},
	}
	recipients := &memRecipientRepo{byBot: map[string][]domain.Recipient{}}

	results := runPool(t, transport, recipients, []Task{task(0, 1)})
	if results[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("ожидали failed после исчерпания попыток, получили %s", results[0].Outcome)
	}
	if transport.attempts[1] != 3 {
		t.Fatalf("ожидали ровно 3 попытки, получили %d", transport.attempts[1])
	}
	// Временная ошибка не делает получателя неактивным.
	if len(recipients.inactive) != 0 {
		t.Fatalf("получатель не должен помечаться неактивным: %v", recipients.inactive)
	}
}

func TestPoolCancelledSendStaysUnresolved(t *testing.T) {
	transport := &countingTransport{
		attempts: map[int64]int{},
		errs:     map[int64][]error{1: {&domain.TransientError{Err: errors.New("timeout")}}},
	}
	recipients := &memRecipientRepo{byBot: map[string][]domain.Recipient{}}
	pool := NewPool(transport, recipients, zerolog.Nop(), PoolConfig{
		Workers:        1,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := make(chan Task, 1)
	in <- task(0, 1)
	close(in)

	var results []Result
	for result := range pool.Dispatch(ctx, in) {
		results = append(results, result)
	}
	if len(results) != 1 {
		t.Fatalf("ожидали один итог, получили %d", len(results))
	}
	// Прерванная остановкой отправка не фиксирует исход: её позиция
	// остаётся за курсором и доотправляется после возобновления.
	if results[0].Resolved() {
		t.Fatalf("прерванная отправка не должна получать терминальный исход: %+v", results[0])
	}
	if len(recipients.inactive) != 0 {
		t.Fatalf("получатель не должен помечаться неактивным: %v", recipients.inactive)
	}
}

func TestPoolPermanentFailureMarksInactive(t *testing.T) {
	transport := &countingTransport{
		attempts: map[int64]int{},
		errs:     map[int64][]error{1: {&domain.PermanentError{Err: errors.New("bot was blocked")}}},
	}
	recipients := &memRecipientRepo{byBot: map[string][]domain.Recipient{}}

	results := runPool(t, transport, recipients, []Task{task(0, 1)})
	if results[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("ожидали failed, получили %s", results[0].Outcome)
	}
	if transport.attempts[1] != 1 {
		t.Fatalf("необратимая ошибка не должна повторяться, попыток: %d", transport.attempts[1])
	}
	if len(recipients.inactive) != 1 || recipients.inactive[0] != 1 {
		t.Fatalf("получатель должен быть помечен неактивным: %v", recipients.inactive)
	}
}
