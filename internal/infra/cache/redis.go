package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const fileIDTTL = 30 * 24 * time.Hour

// Redis реализует domain.OwnerRegistry и domain.FileCache.
type Redis struct {
	client *redis.Client
}

// NewRedis создаёт обёртку над клиентом Redis.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func ownerKey(jobID string) string {
	return fmt.Sprintf("broadcast:%s:owner", jobID)
}

// Acquire захватывает аренду владения задачей через SETNX с TTL.
func (r *Redis) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, ownerKey(jobID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("захват аренды: %w", err)
	}
	return ok, nil
}

// Refresh продлевает аренду, если она всё ещё принадлежит owner.
func (r *Redis) Refresh(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	current, err := r.client.Get(ctx, ownerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("аренда задачи %s истекла", jobID)
	}
	if err != nil {
		return fmt.Errorf("чтение аренды: %w", err)
	}
	if current != owner {
		return fmt.Errorf("аренда задачи %s принадлежит %s", jobID, current)
	}
	if err := r.client.Expire(ctx, ownerKey(jobID), ttl).Err(); err != nil {
		return fmt.Errorf("продление аренды: %w", err)
	}
	return nil
}

// Release снимает аренду, если она принадлежит owner.
func (r *Redis) Release(ctx context.Context, jobID, owner string) error {
	current, err := r.client.Get(ctx, ownerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("чтение аренды: %w", err)
	}
	if current != owner {
		return nil
	}
	return r.client.Del(ctx, ownerKey(jobID)).Err()
}

// Holder возвращает текущего владельца задачи или пустую строку.
func (r *Redis) Holder(ctx context.Context, jobID string) (string, error) {
	owner, err := r.client.Get(ctx, ownerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("чтение аренды: %w", err)
	}
	return owner, nil
}

// GetFileID возвращает закэшированный платформенный идентификатор файла.
func (r *Redis) GetFileID(ctx context.Context, botID, key string) (string, error) {
	value, err := r.client.Get(ctx, fmt.Sprintf("bot:%s:file:%s", botID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("чтение file_id: %w", err)
	}
	return value, nil
}

// SetFileID кэширует платформенный идентификатор файла.
func (r *Redis) SetFileID(ctx context.Context, botID, key, fileID string) error {
	return r.client.Set(ctx, fmt.Sprintf("bot:%s:file:%s", botID, key), fileID, fileIDTTL).Err()
}
