package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/service"
	"github.com/d60-Lab/social-pipeline/pkg/response"
)

type createPostRequest struct {
	Content    string `json:"content" binding:"required"`
	Visibility string `json:"visibility" binding:"omitempty,oneof=PUBLIC ADVERTISE PRIVATE DRAFT"`
	Promoted   bool   `json:"promoted"`
}

// CreatePost 发帖
// @Summary 发帖
// @Tags 内容
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createPostRequest true "帖子"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if !bindJSON(c, &req) {
		return
	}
	post, err := h.postService.Create(c.Request.Context(), service.CreatePostInput{
		AuthorID:   currentUser(c),
		Content:    req.Content,
		Visibility: model.Visibility(req.Visibility),
		Promoted:   req.Promoted,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"postId":     post.ID,
		"visibility": post.Visibility,
		"promoted":   post.Promoted,
		"createdAt":  post.CreatedAt,
	})
}

// RecentPosts 最近公开帖子（由 post.created 消费端维护）
// @Summary 最近帖子
// @Tags 内容
// @Security BearerAuth
// @Param limit query int false "数量" default(20)
// @Success 200 {object} response.Response{data=[]service.RecentPost}
// @Router /api/v1/posts/recent [get]
func (h *Handler) RecentPosts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.postService.RecentPosts(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, list)
}

// Feed 当前用户的信息流
// @Summary 信息流
// @Tags 内容
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=service.FeedPage}
// @Router /api/v1/feed [get]
func (h *Handler) Feed(c *gin.Context) {
	page, pageSize := pageParams(c)
	feed, err := h.feedService.Compose(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, feed)
}
