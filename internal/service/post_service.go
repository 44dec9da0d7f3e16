package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

type CreatePostInput struct {
	AuthorID   string
	Content    string
	Visibility model.Visibility
	Promoted   bool
}

// RecentPost search:recent:posts 列表中的条目
type RecentPost struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type PostService interface {
	Create(ctx context.Context, in CreatePostInput) (*model.Post, error)
	// IndexRecentPost 消费 post.created，按 postId 去重后写入最近帖子列表
	IndexRecentPost(ctx context.Context, e event.PostCreated) error
	RecentPosts(ctx context.Context, limit int) ([]RecentPost, error)
}

type postService struct {
	posts     repository.PostRepository
	store     *cache.Store
	tx        *pipeline.TxManager
	publisher *pipeline.Publisher
	opts      Options
}

func NewPostService(posts repository.PostRepository, store *cache.Store, tx *pipeline.TxManager, publisher *pipeline.Publisher, opts Options) PostService {
	return &postService{posts: posts, store: store, tx: tx, publisher: publisher, opts: opts.withDefaults()}
}

// Create 广告内容总是推广；只有公开可见的帖子发布 post.created
func (s *postService) Create(ctx context.Context, in CreatePostInput) (*model.Post, error) {
	if in.Visibility == "" {
		in.Visibility = model.VisibilityPublic
	}
	if !in.Visibility.Valid() {
		return nil, fmt.Errorf("%w: visibility %q", ErrInvalidArgument, in.Visibility)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}

	now := time.Now()
	post := &model.Post{
		ID:         uuid.New().String(),
		AuthorID:   in.AuthorID,
		Payload:    content,
		Visibility: in.Visibility,
		Promoted:   in.Promoted || in.Visibility == model.VisibilityAdvertise,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := s.posts.WithTx(tx).Create(ctx, post); err != nil {
			return err
		}
		if post.Visibility.Open() {
			s.publisher.RegisterAfterCommit(ctx, pipeline.PublishEvent{Event: event.PostCreated{
				PostID:    post.ID,
				UserID:    post.AuthorID,
				Content:   post.Payload,
				Timestamp: post.CreatedAt,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

func (s *postService) IndexRecentPost(ctx context.Context, e event.PostCreated) error {
	dedupe := cache.DedupeKey(event.TopicPostCreated, e.PostID)
	first, err := s.store.MarkOnce(ctx, dedupe, s.opts.ListTTL)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	item, err := json.Marshal(RecentPost{PostID: e.PostID, UserID: e.UserID, Content: e.Content, Timestamp: e.Timestamp})
	if err != nil {
		return err
	}
	if err := s.store.PushBounded(ctx, cache.RecentPostsKey, item, s.opts.RecentListMax, s.opts.ListTTL); err != nil {
		// 撤销去重标记，重投时再写
		_ = s.store.Unmark(context.WithoutCancel(ctx), dedupe)
		return err
	}
	return nil
}

func (s *postService) RecentPosts(ctx context.Context, limit int) ([]RecentPost, error) {
	if limit < 1 || int64(limit) > s.opts.RecentListMax {
		limit = int(s.opts.RecentListMax)
	}
	raw, err := s.store.Range(ctx, cache.RecentPostsKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	res := make([]RecentPost, 0, len(raw))
	for _, r := range raw {
		var p RecentPost
		if err := json.Unmarshal([]byte(r), &p); err != nil {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}
