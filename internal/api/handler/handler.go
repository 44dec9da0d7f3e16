package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/social-pipeline/internal/api/middleware"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/realtime"
	"github.com/d60-Lab/social-pipeline/internal/service"
	"github.com/d60-Lab/social-pipeline/pkg/response"
)

// Handler 薄控制器，只负责参数绑定与响应；业务在 service 层
type Handler struct {
	relService          service.RelationshipService
	postService         service.PostService
	feedService         service.FeedService
	messageService      service.MessageService
	notificationService service.NotificationService
	hub                 *realtime.Hub
	metrics             *pipeline.Metrics
}

type Services struct {
	Relations     service.RelationshipService
	Posts         service.PostService
	Feed          service.FeedService
	Messages      service.MessageService
	Notifications service.NotificationService
}

func New(s Services, hub *realtime.Hub, metrics *pipeline.Metrics) *Handler {
	return &Handler{
		relService:          s.Relations,
		postService:         s.Posts,
		feedService:         s.Feed,
		messageService:      s.Messages,
		notificationService: s.Notifications,
		hub:                 hub,
		metrics:             metrics,
	}
}

// Health 存活检查，附带副作用执行统计
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response{data=pipeline.Stats}
// @Router /healthz [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, h.metrics.Snapshot())
}

func currentUser(c *gin.Context) string {
	return middleware.UserIDFrom(c.Request.Context())
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	return page, pageSize
}

// writeError 业务错误映射为 4xx，其余 500
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrFollowSelf):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFound(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.BadRequest(c, err.Error())
		return false
	}
	return true
}
