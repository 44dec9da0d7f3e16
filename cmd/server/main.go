package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/config"
	"github.com/d60-Lab/social-pipeline/internal/api"
	"github.com/d60-Lab/social-pipeline/internal/api/handler"
	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/consumer"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/realtime"
	"github.com/d60-Lab/social-pipeline/internal/repository"
	"github.com/d60-Lab/social-pipeline/internal/service"
	"github.com/d60-Lab/social-pipeline/pkg/database"
	"github.com/d60-Lab/social-pipeline/pkg/logger"
	"github.com/d60-Lab/social-pipeline/pkg/tracing"
)

// @title Social Interaction Pipeline API
// @version 1.0
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Sentry.Environment)
		if err != nil {
			return fmt.Errorf("tracing init: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	log, err := openEventLog(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer log.Close()

	store := cache.NewStore(rdb)
	hub := realtime.NewHub(64)
	metrics, err := pipeline.NewMetrics()
	if err != nil {
		return err
	}
	exec := pipeline.NewExecutor(log, store, hub, cfg.Pipeline.EffectTimeout, metrics)

	var dispatcher pipeline.Dispatcher = exec
	if cfg.Pipeline.Async {
		async := pipeline.NewAsyncDispatcher(exec, cfg.Pipeline.QueueSize)
		stopDispatch := async.Start(cfg.Pipeline.Workers)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := stopDispatch(sctx); err != nil {
				logger.Warn("dispatcher drain incomplete", zap.Error(err))
			}
		}()
		dispatcher = async
	}

	svcs, followIndex := buildServices(db, store, pipeline.NewTxManager(db, dispatcher), pipeline.NewPublisher(exec, metrics), cfg)

	if cfg.Consumer.Enabled {
		router, err := consumer.NewRouter(consumer.Config{MaxAttempts: cfg.Consumer.MaxAttempts, Backoff: cfg.Consumer.Backoff}, consumer.NewLogSink(log))
		if err != nil {
			return err
		}
		router.SkipOn(service.ErrUserNotFound)
		consumer.Register(router, consumer.Deps{
			Notifications: svcs.Notifications,
			FollowIndex:   followIndex,
			RecentPosts:   svcs.Posts,
		})
		go func() {
			if err := router.Run(ctx, log, cfg.EventLog.ConsumerGroup); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", zap.Error(err))
			}
		}()
	}

	gin.SetMode(cfg.Server.Mode)
	engine := api.NewRouter(handler.New(svcs, hub, metrics), api.RouterOptions{
		JWTSecret:      cfg.JWT.Secret,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		Sentry:         cfg.Sentry.DSN != "",
		Tracing:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		Swagger:        cfg.Server.Mode != gin.ReleaseMode,
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: engine}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openEventLog(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (eventlog.Log, error) {
	var log eventlog.Log
	switch cfg.EventLog.Backend {
	case "kafka":
		k, err := eventlog.NewKafkaLog(eventlog.KafkaConfig{
			Brokers:           cfg.EventLog.Brokers,
			ClientID:          cfg.Tracing.ServiceName,
			ReplicationFactor: cfg.EventLog.ReplicationFactor,
			PublishTimeout:    cfg.EventLog.PublishTimeout,
		})
		if err != nil {
			return nil, err
		}
		log = k
	default:
		r := eventlog.NewRedisLog(rdb, eventlog.RedisConfig{PollInterval: cfg.EventLog.PollInterval})
		go r.RunTrimmer(ctx, cfg.EventLog.TrimInterval)
		log = r
	}
	if err := log.Declare(ctx, event.Topics()...); err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("declare topics: %w", err)
	}
	return log, nil
}

func buildServices(db *gorm.DB, store *cache.Store, tx *pipeline.TxManager, publisher *pipeline.Publisher, cfg *config.Config) (handler.Services, *service.FollowIndex) {
	users := repository.NewUserRepository(db)
	follows := repository.NewFollowRepository(db)
	posts := repository.NewPostRepository(db)
	opts := service.Options{
		CounterTTL:    cfg.Cache.CounterTTL,
		ListTTL:       cfg.Cache.ListTTL,
		RecentListMax: cfg.Cache.RecentListMax,
	}
	index := service.NewFollowIndex(follows, store, cfg.Cache.FollowIndexTTL)

	return handler.Services{
		Relations:     service.NewRelationshipService(follows, repository.NewFanRepository(db), users, tx, publisher),
		Posts:         service.NewPostService(posts, store, tx, publisher, opts),
		Feed:          service.NewFeedService(posts, index),
		Messages:      service.NewMessageService(repository.NewMessageRepository(db), users, store, tx, publisher, opts),
		Notifications: service.NewNotificationService(repository.NewNotificationRepository(db), users, store, tx, publisher, opts),
	}, index
}
