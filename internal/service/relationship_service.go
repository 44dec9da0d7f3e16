package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

// RelationshipService 关系链服务；关注与好友均由有向边查询得出
type RelationshipService interface {
	Follow(ctx context.Context, fromUserID, toUserID string) error
	Unfollow(ctx context.Context, fromUserID, toUserID string) error
	ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error)
	ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error)
	IsFollowing(ctx context.Context, fromUserID, toUserID string) (bool, error)
	// IsFriend 互相关注
	IsFriend(ctx context.Context, userA, userB string) (bool, error)
}

type relationshipService struct {
	followRepo repository.FollowRepository
	fanRepo    repository.FanRepository
	userRepo   repository.UserRepository
	tx         *pipeline.TxManager
	publisher  *pipeline.Publisher
}

func NewRelationshipService(
	followRepo repository.FollowRepository,
	fanRepo repository.FanRepository,
	userRepo repository.UserRepository,
	tx *pipeline.TxManager,
	publisher *pipeline.Publisher,
) RelationshipService {
	return &relationshipService{followRepo: followRepo, fanRepo: fanRepo, userRepo: userRepo, tx: tx, publisher: publisher}
}

// Follow 关注边与粉丝冗余同事务写入；重复关注不产生事件
func (s *relationshipService) Follow(ctx context.Context, fromUserID, toUserID string) error {
	if fromUserID == toUserID {
		return ErrFollowSelf
	}
	exists, err := s.userRepo.Exists(ctx, toUserID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, toUserID)
	}

	return s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		created, err := s.followRepo.WithTx(tx).Create(ctx, fromUserID, toUserID)
		if err != nil || !created {
			return err
		}
		if err := s.fanRepo.WithTx(tx).Create(ctx, toUserID, fromUserID); err != nil {
			return err
		}
		s.publisher.RegisterAfterCommit(ctx,
			pipeline.EvictKey{Keys: []string{cache.FollowingIndexKey(fromUserID)}},
			pipeline.PublishEvent{Event: event.UserFollowed{FollowerID: fromUserID, FollowedID: toUserID, Timestamp: time.Now()}},
		)
		return nil
	})
}

func (s *relationshipService) Unfollow(ctx context.Context, fromUserID, toUserID string) error {
	if fromUserID == toUserID {
		return ErrFollowSelf
	}
	return s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		deleted, err := s.followRepo.WithTx(tx).Delete(ctx, fromUserID, toUserID)
		if err != nil || !deleted {
			return err
		}
		if err := s.fanRepo.WithTx(tx).Delete(ctx, toUserID, fromUserID); err != nil {
			return err
		}
		s.publisher.RegisterAfterCommit(ctx,
			pipeline.EvictKey{Keys: []string{cache.FollowingIndexKey(fromUserID)}},
			pipeline.PublishEvent{Event: event.UserUnfollowed{FollowerID: fromUserID, FollowedID: toUserID, Timestamp: time.Now()}},
		)
		return nil
	})
}

func (s *relationshipService) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	_, limit, offset := pageWindow(page, pageSize)
	items, err := s.followRepo.ListFollowings(ctx, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(items))
	for i, it := range items {
		res[i] = it.FolloweeID
	}
	return res, nil
}

func (s *relationshipService) ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	_, limit, offset := pageWindow(page, pageSize)
	items, err := s.fanRepo.ListFans(ctx, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(items))
	for i, it := range items {
		res[i] = it.FanID
	}
	return res, nil
}

func (s *relationshipService) IsFollowing(ctx context.Context, fromUserID, toUserID string) (bool, error) {
	return s.followRepo.Exists(ctx, fromUserID, toUserID)
}

func (s *relationshipService) IsFriend(ctx context.Context, userA, userB string) (bool, error) {
	if userA == userB {
		return false, nil
	}
	ab, err := s.followRepo.Exists(ctx, userA, userB)
	if err != nil || !ab {
		return false, err
	}
	return s.followRepo.Exists(ctx, userB, userA)
}
