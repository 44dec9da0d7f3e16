// Package cache 计数器、有界列表与缓存旁路读取，所有写操作在 redis 端原子完成。
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMiss         = errors.New("cache miss")
	ErrInvalidDelta = errors.New("delta must be positive")
)

// 扣减并保底为 0；键不存在返回 -1，不创建键，保留原 TTL
var compensateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local v = tonumber(cur) - tonumber(ARGV[1])
if v < 0 then
	v = 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], v, 'PX', ttl)
else
	redis.call('SET', KEYS[1], v)
end
return v
`)

// 仅对已存在的计数器自增并刷新 TTL；键不存在返回 -1 且不创建，由读路径回源重建
var incrementExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store { return &Store{rdb: rdb} }

// Increment 原子自增并刷新 TTL
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, delta)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// IncrementExisting 写路径使用的自增：冷键保持缺失，避免以 delta 作为初值
func (s *Store) IncrementExisting(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	v, err := incrementExistingScript.Run(ctx, s.rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return v, nil
}

// Compensate 扣减计数，结果不会小于 0；键不存在时返回 (-1, nil)
func (s *Store) Compensate(ctx context.Context, key string, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	v, err := compensateScript.Run(ctx, s.rdb, []string{key}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("compensate %s: %w", key, err)
	}
	return v, nil
}

// GetCounter 未命中返回 ErrMiss
func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	return v, err
}

// CounterOrLoad 缓存旁路：未命中时从 load 重算并回填
func (s *Store) CounterOrLoad(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (int64, error)) (int64, error) {
	v, err := s.GetCounter(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrMiss) {
		return 0, err
	}
	v, err = load(ctx)
	if err != nil {
		return 0, err
	}
	// 仅在仍未命中时回填，避免覆盖期间发生的自增
	if err := s.rdb.SetNX(ctx, key, v, ttl).Err(); err != nil {
		return v, nil
	}
	return s.GetCounter(ctx, key)
}

// PushBounded 头插并裁剪到 maxLen，最新在前
func (s *Store) PushBounded(ctx context.Context, key string, item []byte, maxLen int64, ttl time.Duration) error {
	if maxLen < 1 {
		return fmt.Errorf("push %s: maxLen must be >= 1", key)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, item)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Range 读取 [start, stop]，与 LRANGE 语义一致
func (s *Store) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// ReplaceList 整体替换列表（保持给定顺序）
func (s *Store) ReplaceList(ctx context.Context, key string, items []string, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(items) > 0 {
			args := make([]interface{}, len(items))
			for i, it := range items {
				args[i] = it
			}
			pipe.RPush(ctx, key, args...)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

// ListAll 列表不存在时返回 ErrMiss
func (s *Store) ListAll(ctx context.Context, key string) ([]string, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrMiss
	}
	return s.rdb.LRange(ctx, key, 0, -1).Result()
}

// MarkOnce 首次标记返回 true；用于按自然键去重
func (s *Store) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, 1, ttl).Result()
}

// Unmark 撤销 MarkOnce，处理失败时允许重投再次执行
func (s *Store) Unmark(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
