package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/social-pipeline/pkg/response"
)

type followRequest struct {
	ToUserID string `json:"to_user_id" binding:"required"`
}

// Follow 关注用户（粉丝冗余同事务写入，提交后发布 user.followed）
// @Summary 关注用户
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body followRequest true "关注信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/relations/follow [post]
func (h *Handler) Follow(c *gin.Context) {
	var req followRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.relService.Follow(c.Request.Context(), currentUser(c), req.ToUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// Unfollow 取消关注
// @Summary 取消关注
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body followRequest true "取消关注信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/relations/unfollow [post]
func (h *Handler) Unfollow(c *gin.Context) {
	var req followRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.relService.Unfollow(c.Request.Context(), currentUser(c), req.ToUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// ListFollowing 查询某用户关注的人
// @Summary 查询关注列表
// @Tags 关系链
// @Security BearerAuth
// @Param user_id path string true "用户ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/relations/{user_id}/following [get]
func (h *Handler) ListFollowing(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, err := h.relService.ListFollowing(c.Request.Context(), c.Param("user_id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// ListFans 查询某用户的粉丝
// @Summary 查询粉丝列表（来自冗余表）
// @Tags 关系链
// @Security BearerAuth
// @Param user_id path string true "用户ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/relations/{user_id}/fans [get]
func (h *Handler) ListFans(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, err := h.relService.ListFans(c.Request.Context(), c.Param("user_id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// Relation 当前用户与目标用户的关系
// @Summary 查询关注/好友关系
// @Tags 关系链
// @Security BearerAuth
// @Param user_id path string true "目标用户ID"
// @Success 200 {object} response.Response{data=map[string]bool}
// @Router /api/v1/relations/{user_id} [get]
func (h *Handler) Relation(c *gin.Context) {
	ctx := c.Request.Context()
	me, other := currentUser(c), c.Param("user_id")
	following, err := h.relService.IsFollowing(ctx, me, other)
	if err != nil {
		writeError(c, err)
		return
	}
	friend, err := h.relService.IsFriend(ctx, me, other)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"following": following, "friend": friend})
}
