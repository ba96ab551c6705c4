package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bot-farm/internal/domain"
)

// RedisJobQueue реализует очередь сигналов рассылки на базе Redis lists.
type RedisJobQueue struct {
	client *redis.Client
	key    string
}

// NewRedisJobQueue создаёт очередь по указанному ключу.
func NewRedisJobQueue(client *redis.Client, key string) *RedisJobQueue {
	return &RedisJobQueue{client: client, key: key}
}

// Enqueue публикует сигнал в очередь.
func (q *RedisJobQueue) Enqueue(ctx context.Context, signal domain.JobSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push signal: %w", err)
	}
	return nil
}

// Pop блокирующе читает сигнал из очереди.
func (q *RedisJobQueue) Pop(ctx context.Context) (domain.JobSignal, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.JobSignal{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.JobSignal{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.JobSignal{}, err
		}
		if len(res) != 2 {
			return domain.JobSignal{}, errors.New("redis queue: unexpected response")
		}
		var signal domain.JobSignal
		if err := json.Unmarshal([]byte(res[1]), &signal); err != nil {
			return domain.JobSignal{}, fmt.Errorf("decode signal: %w", err)
		}
		return signal, nil
	}
}
