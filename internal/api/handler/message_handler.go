package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/social-pipeline/pkg/response"
)

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

// SendMessage 发送私信
// @Summary 发送私信
// @Tags 私信
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body sendMessageRequest true "私信"
// @Success 200 {object} response.Response{data=service.MessageDTO}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.messageService.Send(c.Request.Context(), currentUser(c), req.ReceiverID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, msg)
}

// ChatHistory 与某用户的会话记录
// @Summary 会话记录
// @Tags 私信
// @Security BearerAuth
// @Param user_id path string true "对方用户ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=[]service.MessageDTO}
// @Router /api/v1/messages/{user_id} [get]
func (h *Handler) ChatHistory(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, err := h.messageService.History(c.Request.Context(), currentUser(c), c.Param("user_id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// MarkMessagesRead 把对方发来的消息标记为已读
// @Summary 标记已读
// @Tags 私信
// @Security BearerAuth
// @Param user_id path string true "对方用户ID"
// @Success 200 {object} response.Response{data=map[string]int64}
// @Router /api/v1/messages/{user_id}/read [post]
func (h *Handler) MarkMessagesRead(c *gin.Context) {
	n, err := h.messageService.MarkRead(c.Request.Context(), currentUser(c), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"marked": n})
}

// UnreadMessages 未读总数；带 from 参数时返回来自该用户的未读数
// @Summary 私信未读数
// @Tags 私信
// @Security BearerAuth
// @Param from query string false "发送者ID"
// @Success 200 {object} response.Response{data=map[string]int64}
// @Router /api/v1/messages/unread [get]
func (h *Handler) UnreadMessages(c *gin.Context) {
	ctx := c.Request.Context()
	me := currentUser(c)
	if from := c.Query("from"); from != "" {
		n, err := h.messageService.UnreadFrom(ctx, me, from)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, gin.H{"unread": n})
		return
	}
	n, err := h.messageService.UnreadTotal(ctx, me)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"unread": n})
}
