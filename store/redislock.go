package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaoxuxiansheng/redis_lock"
)

// recoveryLockKey 恢复任务分布式锁的默认 key
const recoveryLockKey = "tyloo:recovery:lock"

// RedisLocker 基于 redis 分布式锁的恢复任务互斥器
// 多个协调器实例同时运行恢复轮询时，通过该锁避免对同一批事务记录的重复推进
type RedisLocker struct {
	client *redis_lock.Client
	key    string

	mu      sync.Mutex
	current *redis_lock.RedisLock
}

// NewRedisLocker 构造恢复任务互斥器，key 为空时使用默认 key
func NewRedisLocker(client *redis_lock.Client, key string) *RedisLocker {
	if key == "" {
		key = recoveryLockKey
	}
	return &RedisLocker{
		client: client,
		key:    key,
	}
}

// Lock 抢占恢复任务锁
func (l *RedisLocker) Lock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(l.key, l.client)
	if err := lock.Lock(ctx); err != nil {
		return errors.Wrap(err, "acquire recovery lock")
	}

	l.mu.Lock()
	l.current = lock
	l.mu.Unlock()
	return nil
}

// Unlock 释放恢复任务锁，幂等
func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	lock := l.current
	l.current = nil
	l.mu.Unlock()

	if lock == nil {
		return nil
	}
	if err := lock.Unlock(ctx); err != nil {
		return errors.Wrap(err, "release recovery lock")
	}
	return nil
}
