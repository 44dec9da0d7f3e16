package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/social-pipeline/pkg/response"
)

// ListNotifications 通知列表
// @Summary 通知列表
// @Tags 通知
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=[]service.NotificationDTO}
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, err := h.notificationService.List(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// UnreadNotifications 未读通知数
// @Summary 未读通知数
// @Tags 通知
// @Security BearerAuth
// @Success 200 {object} response.Response{data=map[string]int64}
// @Router /api/v1/notifications/unread [get]
func (h *Handler) UnreadNotifications(c *gin.Context) {
	n, err := h.notificationService.UnreadCount(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"unread": n})
}

// MarkNotificationsRead 全部已读
// @Summary 通知全部已读
// @Tags 通知
// @Security BearerAuth
// @Success 200 {object} response.Response{data=map[string]int64}
// @Router /api/v1/notifications/read [post]
func (h *Handler) MarkNotificationsRead(c *gin.Context) {
	n, err := h.notificationService.MarkAllRead(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"marked": n})
}
