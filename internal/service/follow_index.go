package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/repository"
	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// FollowIndex 关注 ID 列表的缓存旁路索引（following:index:<id>，最新在前）
type FollowIndex struct {
	follows repository.FollowRepository
	store   *cache.Store
	ttl     time.Duration

	loads atomic.Int64
}

func NewFollowIndex(follows repository.FollowRepository, store *cache.Store, ttl time.Duration) *FollowIndex {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FollowIndex{follows: follows, store: store, ttl: ttl}
}

// FolloweeIDs 命中直接返回；未命中回源并写回。缓存不可用时直接读库
func (f *FollowIndex) FolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	key := cache.FollowingIndexKey(userID)
	ids, err := f.store.ListAll(ctx, key)
	if err == nil {
		return ids, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Ctx(ctx).Warn("follow index unavailable, reading store", zap.String("user_id", userID), zap.Error(err))
	}

	f.loads.Add(1)
	ids, err = f.follows.ListFolloweeIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := f.store.ReplaceList(ctx, key, ids, f.ttl); err != nil {
			logger.Ctx(ctx).Warn("follow index write-back failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return ids, nil
}

func (f *FollowIndex) Evict(ctx context.Context, userID string) error {
	return f.store.Delete(ctx, cache.FollowingIndexKey(userID))
}

// Loads 回源次数
func (f *FollowIndex) Loads() int64 { return f.loads.Load() }
