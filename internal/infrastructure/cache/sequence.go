package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisSequence 基于 INCR 的全局单调序列，多实例部署时生成追踪号
type RedisSequence struct {
	client redis.UniversalClient
	key    string
	base   int64
}

// NewRedisSequence base 为序列起点，返回值从 base+1 开始
func NewRedisSequence(client redis.UniversalClient, key string, base int64) *RedisSequence {
	return &RedisSequence{client: client, key: key, base: base}
}

func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("生成序列号失败: %w", err)
	}
	return s.base + n, nil
}
