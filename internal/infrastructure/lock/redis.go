package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis 资源锁
// ============================================================================
//
// 加锁：SET key token NX PX lease
//   - NX 保证互斥
//   - PX 租约到期自动释放，持有者崩溃也不会死锁
//   - token 标识持有者，释放时校验，避免删除别人的锁
//
// 释放：Lua 脚本校验 token 后删除，保证"检查+删除"原子
//
//	A 获取锁 -> A 处理超时，锁过期 -> B 获取锁 -> A 执行完毕调用 Release
//	校验 token 后 A 不会删除 B 的锁
//
// ============================================================================

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisLocker 基于 Redis 的资源锁
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker prefix 为所有锁 key 的统一前缀，例如 "payflow:lock:"
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, lease time.Duration, opts ...AcquireOption) (Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("锁租约必须大于0: %s", key)
	}
	o := buildOptions(opts)
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := retry(ctx, o, func() (bool, error) {
		return l.client.SetNX(ctx, fullKey, token, lease).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("获取锁 %s 失败: %w", key, err)
	}
	if !ok {
		return notAcquired{}, nil
	}
	return &redisHandle{client: l.client, key: fullKey, token: token}, nil
}

type redisHandle struct {
	client   redis.UniversalClient
	key      string
	token    string
	mu       sync.Mutex
	released bool
}

func (h *redisHandle) IsAcquired() bool { return true }

func (h *redisHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	n, err := unlockScript.Run(ctx, h.client, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("释放锁 %s 失败: %w", h.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
