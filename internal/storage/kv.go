// Package storage 提供 Local Store 的 KV 抽象
//
// RedisKV 为生产实现；MemoryKV 用于单元测试与存储不可用时的降级；
// FailoverKV 在 Redis 故障时自动退化为仅内存的尽力而为模式。
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound 表示键不存在
var ErrKeyNotFound = errors.New("key not found")

// KV 抽象的键值存储（所有值为 JSON 字符串）
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RedisKV 基于 go-redis 的 KV 实现
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Keys 返回指定前缀的全部键（SCAN 遍历，避免阻塞 Redis）
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
