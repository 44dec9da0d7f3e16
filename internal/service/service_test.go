package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/realtime"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

type testEnv struct {
	db      *gorm.DB
	mr      *miniredis.Miniredis
	store   *cache.Store
	log     *eventlog.RedisLog
	hub     *realtime.Hub
	metrics *pipeline.Metrics

	users         repository.UserRepository
	posts         repository.PostRepository
	index         *FollowIndex
	relations     RelationshipService
	messages      MessageService
	postSvc       PostService
	notifications NotificationService
	feed          FeedService
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.All()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewStore(rdb)
	log := eventlog.NewRedisLog(rdb, eventlog.RedisConfig{PollInterval: 5 * time.Millisecond})
	require.NoError(t, log.Declare(context.Background(), event.Topics()...))
	hub := realtime.NewHub(8)

	metrics, err := pipeline.NewMetrics()
	require.NoError(t, err)
	exec := pipeline.NewExecutor(log, store, hub, time.Second, metrics)
	publisher := pipeline.NewPublisher(exec, metrics)
	tx := pipeline.NewTxManager(db, exec)

	users := repository.NewUserRepository(db)
	posts := repository.NewPostRepository(db)
	follows := repository.NewFollowRepository(db)
	opts := Options{RecentListMax: 50}
	index := NewFollowIndex(follows, store, time.Minute)

	return &testEnv{
		db:            db,
		mr:            mr,
		store:         store,
		log:           log,
		hub:           hub,
		metrics:       metrics,
		users:         users,
		posts:         posts,
		index:         index,
		relations:     NewRelationshipService(follows, repository.NewFanRepository(db), users, tx, publisher),
		messages:      NewMessageService(repository.NewMessageRepository(db), users, store, tx, publisher, opts),
		postSvc:       NewPostService(posts, store, tx, publisher, opts),
		notifications: NewNotificationService(repository.NewNotificationRepository(db), users, store, tx, publisher, opts),
		feed:          NewFeedService(posts, index),
	}
}

func (e *testEnv) seedUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.users.Create(context.Background(), &model.User{ID: id, Username: id}))
	}
}

// consumeN 以新消费组读取 topic 上的前 n 条事件
func (e *testEnv) consumeN(t *testing.T, topic string, n int) []*eventlog.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []*eventlog.Message
	err := e.log.Consume(ctx, "test-"+uuid.New().String(), []string{topic}, func(_ context.Context, msg *eventlog.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		if len(got) == n {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	return got
}
