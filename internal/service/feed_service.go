package service

import (
	"context"
	"time"

	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

type FeedEntry struct {
	PostID     string           `json:"postId"`
	AuthorID   string           `json:"authorId"`
	Rank       int              `json:"rank"`
	CreatedAt  time.Time        `json:"createdAt"`
	Content    string           `json:"content"`
	Visibility model.Visibility `json:"visibility"`
	Promoted   bool             `json:"promoted"`
}

type FeedPage struct {
	Items      []FeedEntry `json:"items"`
	Page       int         `json:"page"`
	TotalPages int         `json:"totalPages"`
	TotalItems int64       `json:"totalItems"`
}

// FeedService 候选集 = 关注的人 + 自己 + 推广内容；先按可见性过滤，
// 再按推广优先、时间倒序排序
type FeedService interface {
	Compose(ctx context.Context, userID string, page, pageSize int) (*FeedPage, error)
}

type feedService struct {
	posts repository.PostRepository
	index *FollowIndex
}

func NewFeedService(posts repository.PostRepository, index *FollowIndex) FeedService {
	return &feedService{posts: posts, index: index}
}

func (s *feedService) Compose(ctx context.Context, userID string, page, pageSize int) (*FeedPage, error) {
	page, pageSize, offset := pageWindow(page, pageSize)

	followees, err := s.index.FolloweeIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	authors := make([]string, 0, len(followees)+1)
	authors = append(authors, followees...)
	authors = append(authors, userID)

	posts, total, err := s.posts.FeedPage(ctx, repository.FeedQuery{
		ViewerID:  userID,
		AuthorIDs: authors,
		Offset:    offset,
		Limit:     pageSize,
	})
	if err != nil {
		return nil, err
	}

	items := make([]FeedEntry, len(posts))
	for i, p := range posts {
		items[i] = FeedEntry{
			PostID:     p.ID,
			AuthorID:   p.AuthorID,
			Rank:       offset + i + 1,
			CreatedAt:  p.CreatedAt,
			Content:    p.Payload,
			Visibility: p.Visibility,
			Promoted:   p.Promoted,
		}
	}
	return &FeedPage{
		Items:      items,
		Page:       page,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
		TotalItems: total,
	}, nil
}
