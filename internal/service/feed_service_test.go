package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/model"
)

func (e *testEnv) insertPost(t *testing.T, id, author string, vis model.Visibility, promoted bool, at int) {
	t.Helper()
	require.NoError(t, e.posts.Create(context.Background(), &model.Post{
		ID:         id,
		AuthorID:   author,
		Payload:    id,
		Visibility: vis,
		Promoted:   promoted,
		CreatedAt:  time.Unix(1_700_000_000+int64(at), 0),
	}))
}

func feedIDs(p *FeedPage) []string {
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.PostID
	}
	return ids
}

func TestCompose_PromotedFirstThenRecency(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "viewer", "friend", "brand")
	require.NoError(t, env.relations.Follow(ctx, "viewer", "friend"))

	env.insertPost(t, "P1", "brand", model.VisibilityAdvertise, true, 5)
	env.insertPost(t, "P2", "brand", model.VisibilityAdvertise, true, 10)
	env.insertPost(t, "O1", "friend", model.VisibilityPublic, false, 20)
	env.insertPost(t, "O2", "friend", model.VisibilityPublic, false, 15)

	page, err := env.feed.Compose(ctx, "viewer", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P1", "O1", "O2"}, feedIDs(page))
	assert.EqualValues(t, 4, page.TotalItems)
	assert.Equal(t, 1, page.TotalPages)
	for i, it := range page.Items {
		assert.Equal(t, i+1, it.Rank)
	}
}

func TestCompose_PrivatePromotedPostNeverLeaks(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "viewer", "stranger")

	env.insertPost(t, "secret", "stranger", model.VisibilityPrivate, true, 50)
	env.insertPost(t, "draft", "stranger", model.VisibilityDraft, true, 51)
	env.insertPost(t, "ad", "stranger", model.VisibilityAdvertise, true, 1)

	page, err := env.feed.Compose(ctx, "viewer", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ad"}, feedIDs(page))

	own, err := env.feed.Compose(ctx, "stranger", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "secret", "ad"}, feedIDs(own))
}

func TestCompose_Pagination(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "viewer")
	for i := 0; i < 25; i++ {
		env.insertPost(t, "p"+string(rune('a'+i)), "viewer", model.VisibilityPublic, false, i)
	}

	page, err := env.feed.Compose(ctx, "viewer", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	assert.EqualValues(t, 25, page.TotalItems)
	require.Len(t, page.Items, 5)
	assert.Equal(t, 21, page.Items[0].Rank)

	page, err = env.feed.Compose(ctx, "viewer", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Len(t, page.Items, defaultPageSize)
}

func TestCompose_FollowIndexCachedAndEvictedOnFollow(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "viewer", "a", "b")
	require.NoError(t, env.relations.Follow(ctx, "viewer", "a"))
	env.insertPost(t, "from-b", "b", model.VisibilityPublic, false, 1)

	_, err := env.feed.Compose(ctx, "viewer", 1, 10)
	require.NoError(t, err)
	page, err := env.feed.Compose(ctx, "viewer", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, env.index.Loads())
	assert.Empty(t, page.Items)

	require.NoError(t, env.relations.Follow(ctx, "viewer", "b"))
	page, err = env.feed.Compose(ctx, "viewer", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.index.Loads())
	assert.Equal(t, []string{"from-b"}, feedIDs(page))
}
