package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/d60-Lab/social-pipeline/docs"
	"github.com/d60-Lab/social-pipeline/internal/api/handler"
	"github.com/d60-Lab/social-pipeline/internal/api/middleware"
)

const streamPath = "/api/v1/stream"

type RouterOptions struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	// Sentry 为 true 时挂 sentrygin，要求 sentry.Init 已完成
	Sentry      bool
	Tracing     bool
	ServiceName string
	Swagger     bool
}

// NewRouter 组装路由；写接口单独限流
func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if opts.Sentry {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(middleware.AccessLog())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streamPath})))

	r.GET("/healthz", h.Health)
	if opts.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	limit := middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst)

	v1 := r.Group("/api/v1", middleware.Auth(opts.JWTSecret))
	{
		rel := v1.Group("/relations")
		rel.POST("/follow", limit, h.Follow)
		rel.POST("/unfollow", limit, h.Unfollow)
		rel.GET("/:user_id", h.Relation)
		rel.GET("/:user_id/following", h.ListFollowing)
		rel.GET("/:user_id/fans", h.ListFans)

		v1.POST("/posts", limit, h.CreatePost)
		v1.GET("/posts/recent", h.RecentPosts)
		v1.GET("/feed", h.Feed)

		msg := v1.Group("/messages")
		msg.POST("", limit, h.SendMessage)
		msg.GET("/unread", h.UnreadMessages)
		msg.GET("/:user_id", h.ChatHistory)
		msg.POST("/:user_id/read", h.MarkMessagesRead)

		n := v1.Group("/notifications")
		n.GET("", h.ListNotifications)
		n.GET("/unread", h.UnreadNotifications)
		n.POST("/read", h.MarkNotificationsRead)

		v1.GET("/stream", h.Stream)
	}
	return r
}
