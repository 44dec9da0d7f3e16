package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/model"
)

// FeedQuery 描述某个查看者的 Feed 候选集
type FeedQuery struct {
	ViewerID  string
	AuthorIDs []string // 关注的人 + 自己
	Offset    int
	Limit     int
}

type PostRepository interface {
	Create(ctx context.Context, p *model.Post) error
	FindByID(ctx context.Context, id string) (*model.Post, error)
	// FeedPage 返回可见候选帖子的一页（推广优先，其后按时间倒序）以及候选总数
	FeedPage(ctx context.Context, q FeedQuery) ([]*model.Post, int64, error)
	WithTx(tx *gorm.DB) PostRepository
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) WithTx(tx *gorm.DB) PostRepository { return &postRepository{db: tx} }

func (r *postRepository) Create(ctx context.Context, p *model.Post) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *postRepository) FindByID(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postRepository) FeedPage(ctx context.Context, q FeedQuery) ([]*model.Post, int64, error) {
	// 可见性过滤先于排序：公开/推广可见，私有变体仅作者本人可见
	scope := func(db *gorm.DB) *gorm.DB {
		inScope := r.db.Where("author_id IN ?", q.AuthorIDs).Or("promoted = ?", true)
		return db.
			Where("(visibility IN ? OR author_id = ?)", model.OpenVisibilities, q.ViewerID).
			Where(inScope)
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Post{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []*model.Post{}, 0, nil
	}

	var posts []*model.Post
	err := r.db.WithContext(ctx).
		Scopes(scope).
		Order("promoted DESC").
		Order("created_at DESC").
		Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&posts).Error
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}
